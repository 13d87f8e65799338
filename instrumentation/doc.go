// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the identity provider.
//
// This package enables observability across all layers through:
// - Metrics: Counters, histograms, and gauges for issuance and storage operations
// - Traces: Distributed tracing for request flows across components
//
// # Quick Start
//
//	import "github.com/veridianlabs/idp/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "idp",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to the storage adapter
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP Layer:
//   - idp.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - idp.http.request.duration{endpoint} - Request duration in milliseconds
//
// Issuance Flows:
//   - idp.authorization.started{client_id} - Authorization flows started
//   - idp.interactions.completed{prompt, success} - End-user interactions resolved
//   - idp.code.exchanged{client_id, grant_type} - Authorization codes exchanged
//   - idp.token.refreshed{client_id, rotated} - Tokens refreshed
//   - idp.token.revoked{client_id} - Tokens revoked
//   - idp.grant.revoked{client_id} - Grants revoked with cascade
//   - idp.client.registered{application_type} - Clients registered
//
// Security:
//   - idp.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - idp.pkce.validation_failed{method} - PKCE validation failures
//   - idp.code.reuse_detected - Authorization code reuse attempts
//   - idp.token.reuse_detected - Refresh token reuse attempts
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.records.count - Current number of records in the adapter
//
// Federation:
//   - federation.upstream.calls.total{upstream, operation, status} - Upstream provider calls
//   - federation.upstream.duration{upstream, operation} - Call duration in milliseconds
//   - federation.upstream.errors.total{upstream, operation, error_type} - Upstream errors
//
// # Performance
//
// When instrumentation is not configured or disabled, no-op providers are
// used and the overhead is zero.
//
// # Security Considerations
//
// This package collects observability data, not credentials. When
// instrumenting flows you MUST:
//   - NEVER log actual token values (access tokens, refresh tokens, authorization codes)
//   - NEVER log client secrets or PKCE verifiers
//   - ONLY log metadata (token types, expiry times, validation results, grant ids)
//
// Client IP addresses and account identifiers may be subject to privacy
// regulations; configure retention policies and access controls accordingly.
package instrumentation

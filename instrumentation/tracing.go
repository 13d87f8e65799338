package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets, etc.) in traces or metrics.
// Only log metadata such as token types, grant ids, and validation results.
// Traces are often persisted for extended periods, accessible to wider
// audiences than production systems, and replicated across monitoring
// infrastructure.
const (
	// Issuance flow attributes - SAFE to use for metadata only
	AttrClientID         = "oauth.client_id"         // Client identifier (non-secret)
	AttrAccountID        = "oauth.account_id"        // Account identifier (non-secret)
	AttrGrantID          = "oauth.grant_id"          // Grant identifier (non-secret)
	AttrScope            = "oauth.scope"             // Requested scopes
	AttrGrantType        = "oauth.grant_type"        // OAuth grant type
	AttrResponseType     = "oauth.response_type"     // OAuth response type
	AttrPKCEMethod       = "oauth.pkce.method"       // PKCE method used
	AttrCodeReuse        = "oauth.code.reuse"        // Whether code reuse was detected (boolean)
	AttrTokenReuse       = "oauth.token.reuse"       //nolint:gosec // Whether token reuse was detected (boolean)
	AttrTokenRotated     = "oauth.token.rotated"     //nolint:gosec // Whether the refresh token was rotated (boolean)
	AttrTokenType        = "oauth.token_type"        //nolint:gosec // Token type (Bearer) - NOT the actual token
	AttrExpiresIn        = "oauth.expires_in"        // Token expiry duration
	AttrError            = "oauth.error"             // Error code
	AttrErrorDescription = "oauth.error_description" // Error description

	// Interaction attributes
	AttrInteractionUID    = "interaction.uid"    // Interaction identifier (non-secret)
	AttrInteractionPrompt = "interaction.prompt" // Prompt name (login/consent)

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageKind      = "storage.kind"

	// Federation attributes
	AttrUpstreamName      = "federation.upstream"
	AttrUpstreamOperation = "federation.operation"
	AttrUpstreamStatus    = "federation.status"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common issuance flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, accountID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if accountID != "" {
		SetSpanAttributes(span, attribute.String(AttrAccountID, accountID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddInteractionAttributes adds interaction attributes to a span (nil-safe)
func AddInteractionAttributes(span trace.Span, uid, prompt string) {
	if uid != "" {
		SetSpanAttributes(span,
			attribute.String(AttrInteractionUID, uid),
			attribute.String(AttrInteractionPrompt, prompt),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, kind string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageKind, kind),
	)
}

// AddFederationAttributes adds upstream federation attributes to a span (nil-safe)
func AddFederationAttributes(span trace.Span, upstream, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrUpstreamName, upstream),
		attribute.String(AttrUpstreamOperation, operation),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

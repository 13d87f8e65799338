package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRecordError(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	RecordError(nil, errors.New("boom"))
}

func TestSpanStatusHelpers(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	SetSpanSuccess(span)
	SetSpanError(span, "failed")
	SetSpanSuccess(nil)
	SetSpanError(nil, "failed")
}

func TestSetSpanAttributes(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	SetSpanAttributes(span, attribute.String("k", "v"), attribute.Int("n", 1))
	SetSpanAttributes(nil, attribute.String("k", "v"))
}

func TestAttributeHelpers(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	AddFlowAttributes(span, "client-1", "db|user1", "openid email")
	AddFlowAttributes(span, "", "", "")
	AddInteractionAttributes(span, "uid-1", "login")
	AddInteractionAttributes(span, "", "")
	AddStorageAttributes(span, "upsert", "AuthorizationCode")
	AddFederationAttributes(span, "google", "exchange_code")
	AddHTTPAttributes(span, "POST", "/token", 200)
}

func TestAttributeHelpers_NilSpan(t *testing.T) {
	AddFlowAttributes(nil, "client-1", "db|user1", "openid")
	AddInteractionAttributes(nil, "uid-1", "consent")
	AddStorageAttributes(nil, "find", "Grant")
	AddFederationAttributes(nil, "github", "fetch_user")
	AddHTTPAttributes(nil, "GET", "/jwks", 200)
}

func TestSpanNesting(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tracer := inst.Tracer("test")
	ctx, parent := tracer.Start(context.Background(), "authorize")
	_, child := tracer.Start(ctx, "storage.upsert")

	SetSpanSuccess(child)
	child.End()
	SetSpanSuccess(parent)
	parent.End()
}

package event

import (
	"testing"
	"time"
)

func TestNewEnvelope_AssignsCorrelationIDWhenAbsent(t *testing.T) {
	e := Event{
		Timestamp: time.Now(),
		Hostname:  "router-1.example.net",
		Message:   "link down",
		Source:    "syslog",
	}

	env := NewEnvelope(e)

	if env.CorrelationID == "" {
		t.Fatal("correlation ID not assigned")
	}
	if env.IngestionTimestamp.IsZero() {
		t.Fatal("ingestion timestamp not set")
	}
	if env.Hostname != e.Hostname || env.Message != e.Message {
		t.Errorf("envelope did not preserve event fields: %+v", env)
	}
	if env.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", env.RetryCount)
	}
}

func TestNewEnvelope_PreservesSuppliedCorrelationID(t *testing.T) {
	e := Event{Timestamp: time.Now(), Hostname: "h", Message: "m", CorrelationID: "client-supplied-id"}
	env := NewEnvelope(e)
	if env.CorrelationID != "client-supplied-id" {
		t.Errorf("correlation ID = %q, want preserved client value", env.CorrelationID)
	}
}

func TestNewEnvelope_UniqueCorrelationIDsWhenAbsent(t *testing.T) {
	e := Event{Timestamp: time.Now(), Hostname: "h", Message: "m"}
	a := NewEnvelope(e)
	b := NewEnvelope(e)
	if a.CorrelationID == b.CorrelationID {
		t.Fatal("expected distinct correlation IDs across envelopes")
	}
}

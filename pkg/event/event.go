// Package event defines the Event wire type the Ingestor accepts and the
// internal envelope that flows through the queue substrate between the
// Classifier, Deliverer, and Remediator.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is the inbound wire payload accepted by POST /api/v2/ingest.
type Event struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Hostname  string    `json:"hostname" validate:"required,max=255"`
	Message   string    `json:"message" validate:"required"`

	// Source classifies where the event originated.
	Source string `json:"source,omitempty" validate:"omitempty,oneof=syslog snmp"`

	// SyslogSeverity is the syslog severity level, 0 (emergency) through 7
	// (debug). Only meaningful when Source is "syslog".
	SyslogSeverity *int `json:"syslog_severity,omitempty" validate:"omitempty,min=0,max=7"`

	// TrapOID is the dotted-numeric SNMP trap OID. Only meaningful when
	// Source is "snmp".
	TrapOID string `json:"trap_oid,omitempty" validate:"omitempty,max=512"`

	// CorrelationID is opaque and client-supplied; the Ingestor assigns one
	// if absent.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Envelope is Event plus the processing metadata MUTT attaches at ingest
// time and carries through the queue substrate. Internal-only fields are
// never exposed on the wire inbound — they exist only on Envelope.
type Envelope struct {
	Event

	IngestionTimestamp time.Time `json:"ingestion_timestamp"`

	// RetryCount is incremented each time the Classifier or Deliverer
	// requeues this envelope after a transient failure.
	RetryCount int    `json:"_retry_count,omitempty"`
	LastError  string `json:"_last_error,omitempty"`

	// Outcome-stage fields, set once a rule has matched.
	MatchedRuleID  *uuid.UUID `json:"_matched_rule_id,omitempty"`
	TeamAssignment string     `json:"_team_assignment,omitempty"`
	Handling       string     `json:"_handling,omitempty"`
	IsDev          bool       `json:"_is_dev,omitempty"`
}

// NewEnvelope stamps a correlation ID (if the caller doesn't already have
// one) and the ingestion timestamp onto an Event.
func NewEnvelope(e Event) Envelope {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	return Envelope{
		Event:              e,
		IngestionTimestamp: time.Now().UTC(),
	}
}

// Package events delivers domain events to the message bus and other sinks.
// Delivery is best-effort and never blocks the caller.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	PatientCreated  Type = "patient.created"
	IntakeCompleted Type = "intake.completed"
)

// Event is the payload sent to every sink.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      Type              `json:"type"`
	PatientID uuid.UUID         `json:"patient_id"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func New(t Type, patientID uuid.UUID, metadata map[string]string) Event {
	return Event{
		ID:        uuid.New(),
		Type:      t,
		PatientID: patientID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// Sink receives events from the publisher's workers. Send must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

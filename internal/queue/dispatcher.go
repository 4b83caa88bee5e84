package queue

import (
	"context"
	"time"

	"loanmatch-backend/internal/shared/util"
)

// Dispatcher hands pipeline work to the queue instead of running it in
// process. A worker consumes the messages and drives the engine.
type Dispatcher struct {
	Client Client
	Now    func() time.Time
}

// NewDispatcher returns a Dispatcher that sends through client.
func NewDispatcher(client Client) *Dispatcher {
	return &Dispatcher{Client: client, Now: time.Now}
}

// DispatchDocument enqueues a document for processing.
func (d *Dispatcher) DispatchDocument(ctx context.Context, documentID string) error {
	return d.send(ctx, Message{Event: EventDocumentUploaded, DocumentID: documentID})
}

// DispatchRun enqueues a matching run for an application.
func (d *Dispatcher) DispatchRun(ctx context.Context, applicationID, runToken string) error {
	return d.send(ctx, Message{Event: EventApplicationStructured, DocumentID: applicationID, RunToken: runToken})
}

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	msg.RequestID = util.RequestIDFromContext(ctx)
	msg.EnqueuedAt = now().UTC().Format(time.RFC3339)
	msg.Version = MessageVersion
	return d.Client.Send(ctx, msg)
}

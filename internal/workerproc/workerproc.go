package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/matching"
	"loanmatch-backend/internal/processor"
	"loanmatch-backend/internal/queue"
	"loanmatch-backend/internal/shared/util"
)

// Engine is the part of the matching engine a worker drives.
type Engine interface {
	ProcessDocument(ctx context.Context, documentID string) (processor.Result, error)
	StartRun(ctx context.Context, applicationID string, opts matching.RunOptions) (*matching.RunHandle, error)
}

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

func (e ErrDecode) Unwrap() error { return e.Err }

// ErrInvalid indicates a decoded message that fails validation.
type ErrInvalid struct {
	Meta      MessageMeta
	RequestID string
	Err       error
}

func (e ErrInvalid) Error() string { return "invalid message: " + e.Err.Error() }

func (e ErrInvalid) Unwrap() error { return e.Err }

// ErrProcess indicates handling failed after successful parsing. The message
// should be left on the queue for redelivery.
type ErrProcess struct {
	Event      string
	DocumentID string
	RequestID  string
	Err        error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process " + e.Event
	}
	return "process " + e.Event + ": " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Outcome describes what handling a message did.
type Outcome struct {
	// Status is the document status after processing, or the application
	// status written by the run finalizer.
	Status documents.Status
	// Skipped is true when the work was already done or owned elsewhere.
	Skipped bool
	// Dropped names why a message was acknowledged without doing work.
	Dropped string
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if err := msg.Validate(); err != nil {
		return msg, meta, ErrInvalid{Meta: meta, RequestID: msg.RequestID, Err: err}
	}
	return msg, meta, nil
}

// HandleMessage routes a parsed message to the engine. Work that can never
// succeed (a deleted document, an application that is not ready) is reported
// as dropped with a nil error so the message is acknowledged.
func HandleMessage(ctx context.Context, engine Engine, msg queue.Message) (Outcome, error) {
	if engine == nil {
		return Outcome{}, errors.New("engine not configured")
	}
	ctx = util.WithRequestID(ctx, msg.RequestID)

	switch msg.Event {
	case queue.EventDocumentUploaded:
		res, err := engine.ProcessDocument(ctx, msg.DocumentID)
		if err != nil {
			return Outcome{}, processErr(msg, err)
		}
		return Outcome{Status: res.Status, Skipped: res.Skipped}, nil
	case queue.EventApplicationStructured:
		return handleRun(ctx, engine, msg)
	default:
		return Outcome{}, ErrInvalid{Meta: MessageMeta{}, RequestID: msg.RequestID, Err: queue.ErrUnknownEvent}
	}
}

func handleRun(ctx context.Context, engine Engine, msg queue.Message) (Outcome, error) {
	handle, err := engine.StartRun(ctx, msg.DocumentID, matching.RunOptions{RunToken: msg.RunToken})
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return Outcome{Dropped: "not_found"}, nil
	case errors.Is(err, matching.ErrNotApplication):
		return Outcome{Dropped: "not_application"}, nil
	case errors.Is(err, matching.ErrNotReady):
		return Outcome{Dropped: "not_ready"}, nil
	case err != nil:
		return Outcome{}, processErr(msg, err)
	}

	summary, err := handle.Wait(ctx)
	if err != nil && !errors.Is(err, matching.ErrAllMatchesFailed) {
		return Outcome{}, processErr(msg, err)
	}
	return Outcome{Status: summary.Status, Skipped: summary.Skipped || handle.Skipped}, nil
}

func processErr(msg queue.Message, err error) error {
	return ErrProcess{Event: msg.Event, DocumentID: msg.DocumentID, RequestID: msg.RequestID, Err: err}
}

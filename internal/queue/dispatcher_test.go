package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"loanmatch-backend/internal/shared/util"
)

type recordingClient struct {
	sent []Message
	err  error
}

func (r *recordingClient) Send(_ context.Context, msg Message) error {
	r.sent = append(r.sent, msg)
	return r.err
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestDispatcherStampsMessages(t *testing.T) {
	client := &recordingClient{}
	d := &Dispatcher{Client: client, Now: fixedNow}
	ctx := util.WithRequestID(context.Background(), "req-9")

	if err := d.DispatchDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("dispatch document: %v", err)
	}
	if err := d.DispatchRun(ctx, "app-1", "tok-1"); err != nil {
		t.Fatalf("dispatch run: %v", err)
	}

	if len(client.sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(client.sent))
	}
	doc := client.sent[0]
	if doc.Event != EventDocumentUploaded || doc.DocumentID != "doc-1" || doc.RunToken != "" {
		t.Fatalf("unexpected document message: %+v", doc)
	}
	if doc.RequestID != "req-9" || doc.EnqueuedAt != "2026-03-01T12:00:00Z" || doc.Version != MessageVersion {
		t.Fatalf("message not stamped: %+v", doc)
	}
	run := client.sent[1]
	if run.Event != EventApplicationStructured || run.RunToken != "tok-1" {
		t.Fatalf("unexpected run message: %+v", run)
	}
}

func TestDispatcherRejectsInvalid(t *testing.T) {
	client := &recordingClient{}
	d := NewDispatcher(client)
	if err := d.DispatchRun(context.Background(), "app-1", ""); !errors.Is(err, ErrMissingRunToken) {
		t.Fatalf("expected ErrMissingRunToken, got %v", err)
	}
	if len(client.sent) != 0 {
		t.Fatalf("invalid message should not be sent")
	}
}

type fakeSendAPI struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSendAPI) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSClientSend(t *testing.T) {
	api := &fakeSendAPI{}
	client := &SQSClient{client: api, queueURL: "https://sqs.local/q"}

	err := client.Send(context.Background(), Message{Event: EventDocumentUploaded, DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := *api.input.QueueUrl; got != "https://sqs.local/q" {
		t.Fatalf("unexpected queue url %q", got)
	}
	msg, err := DecodeMessage([]byte(*api.input.MessageBody))
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if msg.DocumentID != "doc-1" {
		t.Fatalf("unexpected body %+v", msg)
	}
	if attr := api.input.MessageAttributes["event"]; attr.StringValue == nil || *attr.StringValue != EventDocumentUploaded {
		t.Fatalf("missing event attribute")
	}
}

func TestSQSClientWrapsErrors(t *testing.T) {
	api := &fakeSendAPI{err: errors.New("throttled")}
	client := &SQSClient{client: api, queueURL: "q"}
	if err := client.Send(context.Background(), Message{Event: EventDocumentUploaded, DocumentID: "d"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewSQSClientRequiresURL(t *testing.T) {
	if _, err := NewSQSClient(context.Background(), "us-east-1", " "); err == nil {
		t.Fatalf("expected error for missing queue url")
	}
}

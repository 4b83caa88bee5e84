package queue

import (
	"errors"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Event:      EventApplicationStructured,
		DocumentID: "app-123",
		RunToken:   "run-1",
		RequestID:  "request-456",
		EnqueuedAt: "2026-01-30T22:00:00Z",
		Version:    MessageVersion,
	}

	payload, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}

	got, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}

	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestMessageValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want error
	}{
		{"upload ok", Message{Event: EventDocumentUploaded, DocumentID: "d1"}, nil},
		{"run ok", Message{Event: EventApplicationStructured, DocumentID: "a1", RunToken: "t"}, nil},
		{"missing id", Message{Event: EventDocumentUploaded}, ErrMissingDocumentID},
		{"run without token", Message{Event: EventApplicationStructured, DocumentID: "a1"}, ErrMissingRunToken},
		{"unknown event", Message{Event: "analysis.queued", DocumentID: "a1"}, ErrUnknownEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

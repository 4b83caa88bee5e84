package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"log"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"loanmatch-backend/internal/bootstrap"
	"loanmatch-backend/internal/shared/config"
	"loanmatch-backend/internal/shared/metrics"
	"loanmatch-backend/internal/shared/telemetry"
	"loanmatch-backend/internal/workerproc"
)

var (
	initOnce sync.Once
	initErr  error
	engine   workerproc.Engine
)

func initApp() {
	cfg, err := config.Load()
	if err != nil {
		initErr = err
		return
	}
	cfg.DispatchMode = "sqs"
	if _, err := telemetry.Init(true, cfg.LogDebug); err != nil {
		initErr = err
		return
	}
	app, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		initErr = err
		return
	}
	engine = app.Engine
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		log.Printf("bootstrap error: %v", initErr)
		failures := make([]events.SQSBatchItemFailure, 0, len(event.Records))
		for _, record := range event.Records {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
		return events.SQSEventResponse{BatchItemFailures: failures}, initErr
	}
	return handleRecords(ctx, engine, event.Records), nil
}

// handleRecords reports only records worth redelivering as failures.
// Malformed messages are logged and dropped.
func handleRecords(ctx context.Context, engine workerproc.Engine, records []events.SQSMessage) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, record := range records {
		msg, meta, err := workerproc.ParseMessage(record.Body)
		if err != nil {
			telemetry.Error("worker.message.invalid", map[string]any{
				"sqs_message_id": record.MessageId,
				"body_len":       meta.BodyLen,
				"body_sha256":    meta.BodySHA,
				"error":          err.Error(),
			})
			metrics.IncQueueMessage(msg.Event, "invalid")
			continue
		}
		out, err := workerproc.HandleMessage(ctx, engine, msg)
		if err != nil {
			telemetry.Error("worker.message.failed", map[string]any{
				"sqs_message_id": record.MessageId,
				"event":          msg.Event,
				"document_id":    msg.DocumentID,
				"error":          err.Error(),
			})
			metrics.IncQueueMessage(msg.Event, "failed")
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		telemetry.Info("worker.message.completed", map[string]any{
			"sqs_message_id": record.MessageId,
			"event":          msg.Event,
			"document_id":    msg.DocumentID,
			"status":         string(out.Status),
			"dropped":        out.Dropped,
		})
		metrics.IncQueueMessage(msg.Event, "processed")
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

func main() {
	lambda.Start(handler)
}

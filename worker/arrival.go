package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"c3d/models"
)

const maxReceiveMessages = 10

// s3Event is the S3 event notification body delivered through SQS.
type s3Event struct {
	Event   string `json:"Event"`
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ArrivalConsumer turns uploads-bucket object-created notifications into
// arrival triggers.
type ArrivalConsumer struct {
	client   sqsiface.SQSAPI
	queueURL string
	wait     int64
	handler  Handler
	logger   *slog.Logger
}

func NewArrivalConsumer(client sqsiface.SQSAPI, queueURL string, waitSeconds int, handler Handler, logger *slog.Logger) *ArrivalConsumer {
	return &ArrivalConsumer{
		client:   client,
		queueURL: queueURL,
		wait:     int64(waitSeconds),
		handler:  handler,
		logger:   logger.With("component", "arrivals"),
	}
}

func (c *ArrivalConsumer) Run(ctx context.Context) {
	c.logger.Info("consuming storage arrivals", "queue_url", c.queueURL)

	for {
		if ctx.Err() != nil {
			c.logger.Info("arrival consumer shutting down")
			return
		}

		out, err := c.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: aws.Int64(maxReceiveMessages),
			WaitTimeSeconds:     aws.Int64(c.wait),
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive messages", "error", err)
			sleep(ctx, 5*time.Second)
			continue
		}

		for _, msg := range out.Messages {
			c.processMessage(ctx, msg)
		}
	}
}

// processMessage handles every record of one notification. The message is
// deleted unless a record needs redelivery; SQS redelivers it after the
// visibility timeout.
func (c *ArrivalConsumer) processMessage(ctx context.Context, msg *sqs.Message) {
	triggers, err := parseArrivals(aws.StringValue(msg.Body))
	if err != nil {
		c.logger.Error("dropping unreadable notification", "message_id", aws.StringValue(msg.MessageId), "error", err)
		c.delete(ctx, msg)
		return
	}

	retry := false
	for _, t := range triggers {
		if res := c.handler.Handle(ctx, t); !res.Final() {
			retry = true
		}
	}
	if retry {
		return
	}
	c.delete(ctx, msg)
}

func (c *ArrivalConsumer) delete(ctx context.Context, msg *sqs.Message) {
	_, err := c.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("failed to delete message", "message_id", aws.StringValue(msg.MessageId), "error", err)
	}
}

// parseArrivals extracts one trigger per object-created record. Keys outside
// the "{jobId}/{fileName}" layout are skipped.
func parseArrivals(body string) ([]models.Trigger, error) {
	var ev s3Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("invalid event body: %w", err)
	}
	if ev.Event == "s3:TestEvent" {
		return nil, nil
	}

	now := time.Now().UTC()
	var triggers []models.Trigger
	for _, rec := range ev.Records {
		if !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid object key %q: %w", rec.S3.Object.Key, err)
		}
		jobID := models.JobIDFromKey(key)
		if jobID == "" {
			continue
		}
		triggers = append(triggers, models.Trigger{
			JobID:      jobID,
			SourceKey:  key,
			Origin:     models.OriginArrival,
			EnqueuedAt: now,
		})
	}
	return triggers, nil
}

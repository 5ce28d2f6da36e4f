package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/smallbiznis/marketpay/internal/config"
	"go.uber.org/zap"
)

// SQSAPI is the subset of the SQS client used for publishing.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	log      *zap.Logger
}

// NewSQSPublisherFromConfig returns nil when no queue is configured.
func NewSQSPublisherFromConfig(cfg config.Config, log *zap.Logger) (*SQSPublisher, error) {
	eventsCfg := cfg.Events
	queueURL := strings.TrimSpace(eventsCfg.SQSQueueURL)
	if queueURL == "" {
		return nil, nil
	}

	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(eventsCfg.AWSRegion),
	}
	if eventsCfg.AWSAccessKey != "" && eventsCfg.AWSSecret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			eventsCfg.AWSAccessKey,
			eventsCfg.AWSSecret,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	log.Named("events.sqs").Info("sqs publisher enabled", zap.String("queue_url", queueURL), zap.String("region", eventsCfg.AWSRegion))
	return NewSQSPublisher(sqs.NewFromConfig(awsCfg), queueURL, log), nil
}

func NewSQSPublisher(client SQSAPI, queueURL string, log *zap.Logger) *SQSPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, log: log.Named("events.sqs")}
}

func (p *SQSPublisher) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"event_type": {DataType: aws.String("String"), StringValue: aws.String(event.Type)},
	}
	for _, key := range []string{"correlation_id", "trace_id"} {
		if value := event.Metadata[key]; value != "" {
			attrs[key] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(value)}
		}
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return err
	}
	p.log.Debug("event sent to sqs", zap.String("event_id", event.ID), zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

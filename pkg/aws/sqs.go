package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// QueueSender sends single messages to a queue.
type QueueSender interface {
	SendMessage(ctx context.Context, body string, attributes map[string]string) error
}

// SQSAPI is the part of the SQS client used for sending.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSClient sends messages to one SQS queue. On a FIFO queue each message
// is grouped by its entity_type attribute and deduplicated by body hash, so
// a repeated notification within the dedup interval is dropped by SQS.
type SQSClient struct {
	api      SQSAPI
	queueURL string
}

func NewSQSClientWithAPI(api SQSAPI, queueURL string) *SQSClient {
	return &SQSClient{api: api, queueURL: queueURL}
}

func (c *SQSClient) fifo() bool {
	return strings.HasSuffix(c.queueURL, ".fifo")
}

func (c *SQSClient) SendMessage(ctx context.Context, body string, attributes map[string]string) error {
	if c.queueURL == "" {
		return fmt.Errorf("empty queue url")
	}
	input := &sqs.SendMessageInput{
		QueueUrl:          sdkaws.String(c.queueURL),
		MessageBody:       sdkaws.String(body),
		MessageAttributes: sqsAttributes(attributes),
	}
	if c.fifo() {
		group := attributes["entity_type"]
		if group == "" {
			group = "default"
		}
		sum := sha256.Sum256([]byte(body))
		input.MessageGroupId = sdkaws.String(group)
		input.MessageDeduplicationId = sdkaws.String(hex.EncodeToString(sum[:]))
	}
	if _, err := c.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send to %s failed: %w", c.queueURL, err)
	}
	return nil
}

func sqsAttributes(attrs map[string]string) map[string]types.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = types.MessageAttributeValue{
			DataType:    sdkaws.String("String"),
			StringValue: sdkaws.String(v),
		}
	}
	return out
}

// ResolveQueueURL returns nameOrURL unchanged when it is already a URL and
// looks the queue up by name otherwise.
func ResolveQueueURL(ctx context.Context, api SQSAPI, nameOrURL string) (string, error) {
	if strings.HasPrefix(nameOrURL, "http://") || strings.HasPrefix(nameOrURL, "https://") {
		return nameOrURL, nil
	}
	out, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: sdkaws.String(nameOrURL)})
	if err != nil {
		return "", fmt.Errorf("failed to get queue URL for %s: %w", nameOrURL, err)
	}
	return sdkaws.ToString(out.QueueUrl), nil
}

package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

const (
	logBatchSize     = 256
	logFlushInterval = 2 * time.Second
	logRetentionDays = 30
)

// LogsAPI is the part of the CloudWatch Logs client the log sink uses.
type LogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchLogsClient buffers log lines and ships them to one CloudWatch
// Logs stream in batches. It implements io.Writer so it can be tee'd into a
// zap core; Sync flushes.
type CloudWatchLogsClient struct {
	api    LogsAPI
	group  string
	stream string
	now    func() time.Time

	mu      sync.Mutex
	pending []types.InputLogEvent

	stop chan struct{}
	done chan struct{}
}

// NewCloudWatchLogsClient creates the log group (if needed) and a stream
// named after the service and start time, then starts the flush loop.
func NewCloudWatchLogsClient(ctx context.Context, cfg aws.Config, logGroupName, serviceName string) (*CloudWatchLogsClient, error) {
	return newCloudWatchLogsClient(ctx, cloudwatchlogs.NewFromConfig(cfg), logGroupName, serviceName, logFlushInterval)
}

func newCloudWatchLogsClient(ctx context.Context, api LogsAPI, group, serviceName string, interval time.Duration) (*CloudWatchLogsClient, error) {
	if group == "" {
		group = "/commerce/webhooks"
	}
	c := &CloudWatchLogsClient{
		api:    api,
		group:  group,
		stream: fmt.Sprintf("%s-%d", serviceName, time.Now().Unix()),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := c.ensureLogGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure log group: %w", err)
	}
	if _, err := api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(c.group),
		LogStreamName: aws.String(c.stream),
	}); err != nil {
		return nil, fmt.Errorf("failed to create log stream: %w", err)
	}
	go c.loop(interval)
	return c, nil
}

func (c *CloudWatchLogsClient) ensureLogGroup(ctx context.Context) error {
	_, err := c.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(c.group)})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return err
	}
	if _, err := c.api.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(c.group),
		RetentionInDays: aws.Int32(logRetentionDays),
	}); err != nil {
		return fmt.Errorf("failed to set retention policy: %w", err)
	}
	return nil
}

// Write queues one log line. A full batch is shipped synchronously.
func (c *CloudWatchLogsClient) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.pending = append(c.pending, types.InputLogEvent{
		Message:   aws.String(string(p)),
		Timestamp: aws.Int64(c.now().UnixMilli()),
	})
	full := len(c.pending) >= logBatchSize
	c.mu.Unlock()

	if full {
		c.flush()
	}
	return len(p), nil
}

// Sync flushes whatever is queued.
func (c *CloudWatchLogsClient) Sync() error {
	return c.flush()
}

// Close stops the flush loop and ships the remaining lines.
func (c *CloudWatchLogsClient) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
		<-c.done
	}
	return c.flush()
}

func (c *CloudWatchLogsClient) loop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			_ = c.flush()
		}
	}
}

// flush errors are reported on stderr; logging must never fail the caller.
func (c *CloudWatchLogsClient) flush() error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(c.group),
		LogStreamName: aws.String(c.stream),
		LogEvents:     batch,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "CloudWatch write error: %v\n", err)
		return fmt.Errorf("failed to put log events: %w", err)
	}
	return nil
}

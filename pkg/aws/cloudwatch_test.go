package aws

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogsAPI struct {
	mu          sync.Mutex
	groupExists bool
	streams     []string
	batches     [][]types.InputLogEvent
}

func (f *fakeLogsAPI) CreateLogGroup(context.Context, *cloudwatchlogs.CreateLogGroupInput, ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	if f.groupExists {
		return nil, &types.ResourceAlreadyExistsException{}
	}
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogsAPI) PutRetentionPolicy(context.Context, *cloudwatchlogs.PutRetentionPolicyInput, ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogsAPI) CreateLogStream(_ context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.streams = append(f.streams, sdkaws.ToString(in.LogStreamName))
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogsAPI) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, in.LogEvents)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func (f *fakeLogsAPI) shipped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestCloudWatchLogs_BuffersUntilSync(t *testing.T) {
	api := &fakeLogsAPI{groupExists: true}
	c, err := newCloudWatchLogsClient(context.Background(), api, "", "webhook-service", time.Hour)
	require.NoError(t, err)
	defer c.Close()

	require.Len(t, api.streams, 1)
	assert.Contains(t, api.streams[0], "webhook-service-")

	_, _ = c.Write([]byte(`{"msg":"one"}`))
	_, _ = c.Write([]byte(`{"msg":"two"}`))
	assert.Zero(t, api.shipped())

	require.NoError(t, c.Sync())
	assert.Equal(t, 2, api.shipped())
	require.NoError(t, c.Sync())
	assert.Len(t, api.batches, 1)
}

func TestCloudWatchLogs_FullBatchShipsImmediately(t *testing.T) {
	api := &fakeLogsAPI{}
	c, err := newCloudWatchLogsClient(context.Background(), api, "/test", "svc", time.Hour)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < logBatchSize; i++ {
		_, _ = c.Write([]byte("line"))
	}
	assert.Equal(t, logBatchSize, api.shipped())
}

func TestCloudWatchLogs_CloseFlushes(t *testing.T) {
	api := &fakeLogsAPI{}
	c, err := newCloudWatchLogsClient(context.Background(), api, "/test", "svc", time.Hour)
	require.NoError(t, err)

	_, _ = c.Write([]byte("last words"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, api.shipped())
}

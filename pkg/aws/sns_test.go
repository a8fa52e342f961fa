package aws

import (
	"context"
	"errors"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{}, f.err
}

func TestSNSClient_Publish(t *testing.T) {
	api := &fakeSNS{}
	c := NewSNSClientWithAPI(api)

	err := c.Publish(context.Background(), "arn:aws:sns:us-east-1:000000000000:automation", []byte(`{"a":1}`), map[string]string{"event_type": "order.created"})

	require.NoError(t, err)
	in := api.inputs[0]
	assert.Equal(t, `{"a":1}`, sdkaws.ToString(in.Message))
	assert.Equal(t, "order.created", sdkaws.ToString(in.MessageAttributes["event_type"].StringValue))
	assert.Nil(t, in.MessageGroupId)
}

func TestSNSClient_FIFOTopic(t *testing.T) {
	api := &fakeSNS{}
	c := NewSNSClientWithAPI(api)

	require.NoError(t, c.Publish(context.Background(), "arn:aws:sns:us-east-1:0:automation.fifo", []byte("{}"), map[string]string{"entity_type": "invoice"}))
	assert.Equal(t, "invoice", sdkaws.ToString(api.inputs[0].MessageGroupId))
}

func TestSNSClient_Errors(t *testing.T) {
	c := NewSNSClientWithAPI(&fakeSNS{err: errors.New("denied")})

	assert.Error(t, c.Publish(context.Background(), "", nil, nil))
	assert.ErrorContains(t, c.Publish(context.Background(), "arn:t", nil, nil), "denied")
}

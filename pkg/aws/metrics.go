package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricsAPI is the part of the CloudWatch client used for metrics.
type MetricsAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// MetricsClient publishes data points to one CloudWatch namespace. A nil or
// disabled client drops every data point.
type MetricsClient struct {
	api       MetricsAPI
	namespace string
	enabled   bool
	now       func() time.Time
}

func NewMetricsClient(cfg aws.Config, namespace string, enabled bool) *MetricsClient {
	return NewMetricsClientWithAPI(cloudwatch.NewFromConfig(cfg), namespace, enabled)
}

func NewMetricsClientWithAPI(api MetricsAPI, namespace string, enabled bool) *MetricsClient {
	if namespace == "" {
		namespace = "CommerceWebhooks"
	}
	return &MetricsClient{api: api, namespace: namespace, enabled: enabled, now: time.Now}
}

// Datum is one data point of a PutMetrics batch.
type Datum struct {
	Name  string
	Value float64
	Unit  types.StandardUnit
}

// PutMetrics sends the data points in one request, all sharing dimensions.
func (m *MetricsClient) PutMetrics(ctx context.Context, data []Datum, dimensions map[string]string) error {
	if !m.IsEnabled() || len(data) == 0 {
		return nil
	}

	dims := toDimensions(dimensions)
	ts := aws.Time(m.now())
	batch := make([]types.MetricDatum, 0, len(data))
	for _, d := range data {
		batch = append(batch, types.MetricDatum{
			MetricName: aws.String(d.Name),
			Value:      aws.Float64(d.Value),
			Unit:       d.Unit,
			Timestamp:  ts,
			Dimensions: dims,
		})
	}

	if _, err := m.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: batch,
	}); err != nil {
		return fmt.Errorf("failed to put metrics %s: %w", data[0].Name, err)
	}
	return nil
}

func (m *MetricsClient) PutMetric(ctx context.Context, metricName string, value float64, unit types.StandardUnit, dimensions map[string]string) error {
	return m.PutMetrics(ctx, []Datum{{Name: metricName, Value: value, Unit: unit}}, dimensions)
}

// RecordCount increments a counter metric
func (m *MetricsClient) RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error {
	return m.PutMetric(ctx, metricName, 1, types.StandardUnitCount, dimensions)
}

// RecordLatency records a duration in milliseconds
func (m *MetricsClient) RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error {
	return m.PutMetric(ctx, metricName, float64(duration.Milliseconds()), types.StandardUnitMilliseconds, dimensions)
}

// RecordDelivery counts one webhook outcome and its handling latency in a
// single request.
func (m *MetricsClient) RecordDelivery(ctx context.Context, outcome string, latency time.Duration, dimensions map[string]string) error {
	return m.PutMetrics(ctx, []Datum{
		{Name: outcome, Value: 1, Unit: types.StandardUnitCount},
		{Name: MetricWebhookLatency, Value: float64(latency.Milliseconds()), Unit: types.StandardUnitMilliseconds},
	}, dimensions)
}

func (m *MetricsClient) IsEnabled() bool {
	return m != nil && m.enabled
}

// toDimensions sorts by name so identical dimension sets produce identical
// requests.
func toDimensions(dimensions map[string]string) []types.Dimension {
	names := make([]string, 0, len(dimensions))
	for k, v := range dimensions {
		if v != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	dims := make([]types.Dimension, 0, len(names))
	for _, k := range names {
		dims = append(dims, types.Dimension{Name: aws.String(k), Value: aws.String(dimensions[k])})
	}
	return dims
}

const (
	MetricHTTPRequests = "HTTPRequests"
	MetricHTTPErrors   = "HTTPErrors"
	MetricHTTPLatency  = "HTTPLatency"
	MetricHTTP4xx      = "HTTP4xxErrors"
	MetricHTTP5xx      = "HTTP5xxErrors"

	// Webhook delivery outcomes
	MetricWebhookProcessed = "WebhookProcessed"
	MetricWebhookDuplicate = "WebhookDuplicate"
	MetricWebhookUnmatched = "WebhookUnmatched"
	MetricWebhookDeferred  = "WebhookDeferred"
	MetricWebhookRejected  = "WebhookRejected"
	MetricWebhookFailed    = "WebhookFailed"
	MetricWebhookLatency   = "WebhookLatency"

	MetricStoreRetry   = "StoreRetry"
	MetricStoreFailure = "StoreFailure"
)

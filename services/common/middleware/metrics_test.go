package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	awspkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
)

func names(data []awspkg.Datum) []string {
	out := make([]string, 0, len(data))
	for _, d := range data {
		out = append(out, d.Name)
	}
	return out
}

func TestRequestData(t *testing.T) {
	ok := requestData(200, 12*time.Millisecond)
	assert.Equal(t, []string{awspkg.MetricHTTPRequests, awspkg.MetricHTTPLatency}, names(ok))
	assert.Equal(t, 12.0, ok[1].Value)

	assert.Contains(t, names(requestData(400, 0)), awspkg.MetricHTTP4xx)
	assert.Contains(t, names(requestData(503, 0)), awspkg.MetricHTTP5xx)
	assert.NotContains(t, names(requestData(503, 0)), awspkg.MetricHTTP4xx)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "5xx", statusClass(500))
	assert.Equal(t, "unknown", statusClass(42))
}

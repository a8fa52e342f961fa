package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/gin-gonic/gin"

	awspkg "github.com/yashrajoria/commerce-webhooks/pkg/aws"
)

// MetricsMiddleware publishes request count, latency and error class per
// route. The data points go out in one batch from a goroutine after the
// response is written.
func MetricsMiddleware(metricsClient *awspkg.MetricsClient, serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !metricsClient.IsEnabled() {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		data := requestData(status, time.Since(start))
		dimensions := map[string]string{
			"Service": serviceName,
			"Method":  c.Request.Method,
			"Route":   c.FullPath(),
			"Status":  statusClass(status),
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsClient.PutMetrics(ctx, data, dimensions)
		}()
	}
}

func requestData(status int, latency time.Duration) []awspkg.Datum {
	data := []awspkg.Datum{
		{Name: awspkg.MetricHTTPRequests, Value: 1, Unit: types.StandardUnitCount},
		{Name: awspkg.MetricHTTPLatency, Value: float64(latency.Milliseconds()), Unit: types.StandardUnitMilliseconds},
	}
	switch {
	case status >= 500:
		data = append(data,
			awspkg.Datum{Name: awspkg.MetricHTTPErrors, Value: 1, Unit: types.StandardUnitCount},
			awspkg.Datum{Name: awspkg.MetricHTTP5xx, Value: 1, Unit: types.StandardUnitCount})
	case status >= 400:
		data = append(data,
			awspkg.Datum{Name: awspkg.MetricHTTPErrors, Value: 1, Unit: types.StandardUnitCount},
			awspkg.Datum{Name: awspkg.MetricHTTP4xx, Value: 1, Unit: types.StandardUnitCount})
	}
	return data
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

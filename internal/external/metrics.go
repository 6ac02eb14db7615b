package external

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"limitter/internal/core"
	"limitter/internal/types"
)

// CloudWatchClient abstracts the PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ core.MetricsCollector = (*CloudWatchMetrics)(nil)

const (
	// metricsBufferSize bounds the in-memory queue between request handlers
	// and the flush loop. When full, datapoints are dropped rather than
	// blocking the request path.
	metricsBufferSize = 1024

	// metricsBatchSize is how many datums go into one PutMetricData call.
	// CloudWatch caps a single call at 1000 datums; 20 keeps payloads small.
	metricsBatchSize = 20

	defaultFlushInterval = 60 * time.Second
)

// CloudWatchMetrics implements core.MetricsCollector by batching request
// telemetry and shipping it to CloudWatch off the request path. Every
// request produces an APIRequest count and an APILatency duration, both
// dimensioned by Method, Endpoint, and Status.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger

	ch   chan cwtypes.MetricDatum
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// CloudWatchMetricsConfig configures a CloudWatchMetrics publisher.
type CloudWatchMetricsConfig struct {
	Namespace     string
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// NewCloudWatchMetrics creates the publisher and starts its flush loop.
// Call Close during shutdown to drain the buffer.
func NewCloudWatchMetrics(client CloudWatchClient, cfg CloudWatchMetricsConfig) *CloudWatchMetrics {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		ch:        make(chan cwtypes.MetricDatum, metricsBufferSize),
		done:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.flushLoop(interval)
	return m
}

// RecordRequest enqueues one count and one latency datum for the request.
// It never blocks: if the buffer is full the datapoints are dropped.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimMethod), Value: aws.String(method)},
		{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(types.DimStatus), Value: aws.String(status)},
	}
	now := time.Now().UTC()

	m.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPIRequest),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
		Timestamp:  aws.Time(now),
	})
	m.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: dims,
		Timestamp:  aws.Time(now),
	})
}

func (m *CloudWatchMetrics) enqueue(datum cwtypes.MetricDatum) {
	select {
	case m.ch <- datum:
	default:
		m.logger.Warn("metrics buffer full, dropping datapoint",
			"metric", aws.ToString(datum.MetricName))
	}
}

// Close stops the flush loop after draining whatever is buffered.
func (m *CloudWatchMetrics) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *CloudWatchMetrics) flushLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, metricsBatchSize)
	for {
		select {
		case datum := <-m.ch:
			batch = append(batch, datum)
			if len(batch) >= metricsBatchSize {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-m.done:
			// Drain anything still queued before returning.
			for {
				select {
				case datum := <-m.ch:
					batch = append(batch, datum)
					if len(batch) >= metricsBatchSize {
						m.flush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						m.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (m *CloudWatchMetrics) flush(batch []cwtypes.MetricDatum) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: batch,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to publish metrics batch",
			"error", err.Error(),
			"datums", len(batch),
		)
	}
}

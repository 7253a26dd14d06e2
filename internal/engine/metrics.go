package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"megaphone/internal/types"
)

// Metric and dimension names for campaign delivery observability.
const (
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryLatency"
	MetricBatchSize       = "BatchSize"

	DimKind   = "Kind"
	DimResult = "Result"
)

// MetricResult is the outcome dimension of a delivery attempt.
type MetricResult string

const (
	MetricResultSuccess MetricResult = "success"
	MetricResultFailure MetricResult = "failure"
)

// Metrics records delivery outcomes for dashboards and alarming. All methods
// are fire-and-forget: publish failures are logged, never propagated.
type Metrics interface {
	RecordDelivery(ctx context.Context, kind types.CampaignKind, result MetricResult)
	RecordLatency(ctx context.Context, kind types.CampaignKind, duration time.Duration)
	RecordBatchSize(ctx context.Context, kind types.CampaignKind, size int)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements Metrics by publishing to AWS CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Kind, Result} -- on every delivery outcome
//   - DeliveryLatency: Dims {Kind} -- time taken for one delivery attempt
//   - BatchSize: Dims {Kind} -- recipients claimed per batch
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics that publishes to the
// given namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordDelivery emits a DeliveryAttempt metric with Kind and Result dimensions.
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, kind types.CampaignKind, result MetricResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimKind), Value: aws.String(string(kind))},
			{Name: aws.String(DimResult), Value: aws.String(string(result))},
		},
	})
}

// RecordLatency emits a delivery latency metric with the Kind dimension.
// Duration is recorded in milliseconds for CloudWatch precision.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, kind types.CampaignKind, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDeliveryLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimKind), Value: aws.String(string(kind))},
		},
	})
}

// RecordBatchSize emits the number of recipients claimed for one batch run.
func (m *CloudWatchMetrics) RecordBatchSize(ctx context.Context, kind types.CampaignKind, size int) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricBatchSize),
		Value:      aws.Float64(float64(size)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimKind), Value: aws.String(string(kind))},
		},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to publish metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err.Error(),
		)
	}
}

// NopMetrics discards all metrics. Used in tests and local development.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, types.CampaignKind, MetricResult) {}
func (NopMetrics) RecordLatency(context.Context, types.CampaignKind, time.Duration) {}
func (NopMetrics) RecordBatchSize(context.Context, types.CampaignKind, int)         {}

var (
	_ Metrics = (*CloudWatchMetrics)(nil)
	_ Metrics = NopMetrics{}
)

package telemetry

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// PutMetricDataAPI is the subset of the CloudWatch client the sink uses.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchConfig configures the CloudWatch sink.
type CloudWatchConfig struct {
	// Region is the AWS region, e.g. "eu-west-1". Empty uses the SDK's
	// default resolution (AWS_REGION, shared config).
	Region string

	// Endpoint overrides the service endpoint, e.g. for a local emulator.
	Endpoint string
}

// CloudWatchSink publishes batches as CloudWatch custom metrics.
// DefaultBatchSize matches the 20-datum PutMetricData limit of older API versions.
type CloudWatchSink struct {
	client PutMetricDataAPI
}

// NewCloudWatchSink loads AWS credentials the standard way and creates a sink.
func NewCloudWatchSink(ctx context.Context, cfg CloudWatchConfig) (*CloudWatchSink, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewCloudWatchSinkFromClient(client), nil
}

// NewCloudWatchSinkFromClient wraps an existing client.
func NewCloudWatchSinkFromClient(client PutMetricDataAPI) *CloudWatchSink {
	return &CloudWatchSink{client: client}
}

func (s *CloudWatchSink) PublishBatch(ctx context.Context, namespace string, records []Datum) error {
	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: toMetricData(records),
	})
	return err
}

func (s *CloudWatchSink) Close() error { return nil }

func toMetricData(records []Datum) []types.MetricDatum {
	data := make([]types.MetricDatum, 0, len(records))
	for _, r := range records {
		dims := make([]types.Dimension, 0, len(r.Dimensions))
		for _, d := range r.Dimensions {
			dims = append(dims, types.Dimension{
				Name:  aws.String(d.Name),
				Value: aws.String(d.Value),
			})
		}
		data = append(data, types.MetricDatum{
			MetricName: aws.String(r.MetricName),
			Dimensions: dims,
			Timestamp:  aws.Time(r.Timestamp),
			Unit:       types.StandardUnit(r.Unit),
			Value:      aws.Float64(r.Value),
		})
	}
	return data
}

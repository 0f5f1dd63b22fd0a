package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchOptions configures metric publishing.
type CloudWatchOptions struct {
	Region          string
	Namespace       string
	Dashboard       string
	AccessKeyID     string
	SecretAccessKey string
	FlushInterval   time.Duration
}

const (
	cwQueueSize = 1024
	cwBatchSize = 20
)

var (
	cwClient    *cloudwatch.Client
	cwNamespace = "CryptoAgg"
	cwDashboard = "CryptoAgg"
	cwQueue     chan cwtypes.MetricDatum
	cwDropped   int64
	cwOnce      sync.Once
)

// InitCloudWatch creates the CloudWatch client and starts the background
// publisher, which runs until ctx is cancelled. Static credentials are used
// when both keys are set, otherwise the default AWS chain applies. When the
// client cannot be created the function logs a warning and metrics
// publishing remains disabled.
func InitCloudWatch(ctx context.Context, opts CloudWatchOptions) {
	log := GetLogger().WithComponent("cloudwatch")

	cwOnce.Do(func() {
		region := opts.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}

		loadOpts := []func(*config.LoadOptions) error{}
		if region != "" {
			loadOpts = append(loadOpts, config.WithRegion(region))
		}
		if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
		}

		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
			return
		}

		cwClient = cloudwatch.NewFromConfig(cfg)
		if opts.Namespace != "" {
			cwNamespace = opts.Namespace
		}
		if opts.Dashboard != "" {
			cwDashboard = opts.Dashboard
		}
		cwQueue = make(chan cwtypes.MetricDatum, cwQueueSize)

		interval := opts.FlushInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		go runPublisher(ctx, interval)

		log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("initialized CloudWatch client")
		CreateDefaultDashboard(ctx)
	})
}

// publishMetrics queues data for the background publisher. It never blocks;
// when the queue is full the datum is counted as dropped.
func publishMetrics(data []cwtypes.MetricDatum) {
	if cwClient == nil || cwQueue == nil {
		return
	}
	for _, d := range data {
		if d.Timestamp == nil {
			d.Timestamp = aws.Time(time.Now())
		}
		select {
		case cwQueue <- d:
		default:
			atomic.AddInt64(&cwDropped, 1)
		}
	}
}

func runPublisher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, cwBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		putMetricData(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-cwQueue:
			batch = append(batch, d)
			if len(batch) == cwBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
			if dropped := atomic.SwapInt64(&cwDropped, 0); dropped > 0 {
				GetLogger().WithComponent("cloudwatch").WithField("dropped", dropped).Warn("CloudWatch queue full, metrics dropped")
			}
		}
	}
}

func putMetricData(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := cwClient.PutMetricData(callCtx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cwNamespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard ensures a basic dashboard exists when the CloudWatch
// client has been configured. Failures are logged but do not stop execution.
func CreateDefaultDashboard(ctx context.Context) {
	if cwClient == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 24,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","ActiveConnections"],
    ["%[1]s","FramesReceived"],
    ["%[1]s","Desyncs"],
    ["%[1]s","Reconnects"]
],
"period": 60,
"stat": "Sum",
"title": "CryptoAgg Connections"
}
}]
}`, cwNamespace)

	if _, err := cwClient.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cwDashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// Package metrics emits ledger and HTTP telemetry to CloudWatch.
//
// Recording never blocks the caller. Data points are queued on a bounded
// buffer and flushed by a background goroutine; when the buffer is full new
// points are dropped and counted.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"resolver/internal/types"
)

const (
	defaultBufferSize    = 512
	defaultBatchSize     = 20
	defaultFlushInterval = 5 * time.Second
	putTimeout           = 3 * time.Second

	// causeNone is the Cause dimension value for accepted decisions.
	causeNone = "none"
	// dimUnknown replaces an empty dimension value, e.g. the category of a
	// charge that never reached its invoice.
	dimUnknown = "unknown"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder implements billing.MetricsRecorder and core.MetricsCollector.
type Recorder struct {
	client        CloudWatchClient
	namespace     string
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	queue   chan cwtypes.MetricDatum
	flushCh chan chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithBatchSize sets how many data points are sent per PutMetricData call.
func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait before it is sent.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithBufferSize sets the capacity of the pending data point queue.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan cwtypes.MetricDatum, n)
		}
	}
}

// NewRecorder starts a Recorder publishing under namespace. An empty namespace
// falls back to types.MetricNamespace. Call Close to flush and stop it.
func NewRecorder(client CloudWatchClient, namespace string, logger *slog.Logger, opts ...Option) *Recorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		client:        client,
		namespace:     namespace,
		logger:        logger,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		queue:         make(chan cwtypes.MetricDatum, defaultBufferSize),
		flushCh:       make(chan chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// RecordInvoiceIssued counts an issued invoice.
func (r *Recorder) RecordInvoiceIssued(_ context.Context, category types.PlanCategory) {
	r.count(types.MetricInvoiceIssued, dim(types.DimCategory, string(category)))
}

// RecordPreCheckout counts a pre-checkout decision. An empty cause means the
// payment was accepted.
func (r *Recorder) RecordPreCheckout(_ context.Context, category types.PlanCategory, cause types.RejectCause) {
	r.count(types.MetricPreCheckout,
		dim(types.DimCategory, string(category)),
		dim(types.DimCause, causeValue(cause)),
	)
}

// RecordConfirmation counts a confirmation outcome.
func (r *Recorder) RecordConfirmation(_ context.Context, category types.PlanCategory, outcome types.Outcome, cause types.RejectCause) {
	r.count(types.MetricConfirmation,
		dim(types.DimCategory, string(category)),
		dim(types.DimOutcome, string(outcome)),
		dim(types.DimCause, causeValue(cause)),
	)
}

// RecordOrphans reports the number of paid invoices with no entitlement row.
// Zero is recorded too so alarms can treat missing data as breaching.
func (r *Recorder) RecordOrphans(_ context.Context, count int) {
	r.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricLedgerOrphan),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordExternalFailure counts a failed call to an upstream provider.
func (r *Recorder) RecordExternalFailure(_ context.Context, provider string) {
	r.count(types.MetricExternalAPIFailed, dim(types.DimProvider, provider))
}

// RecordRequest records an HTTP request count and its latency.
func (r *Recorder) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		dim(types.DimMethod, method),
		dim(types.DimEndpoint, endpoint),
		dim(types.DimStatus, status),
	}
	r.count(types.MetricAPIRequest, dims...)
	r.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: dims[:2],
	})
}

// Dropped returns how many data points were discarded because the buffer
// was full or the recorder was closed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Flush sends everything queued so far and waits until it has been sent or
// ctx is done.
func (r *Recorder) Flush(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case r.flushCh <- ack:
	case <-r.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

// Close stops the background flusher after sending everything queued. It is
// safe to call more than once.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) count(name string, dims ...cwtypes.Dimension) {
	r.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	})
}

func (r *Recorder) enqueue(d cwtypes.MetricDatum) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}
	d.Timestamp = aws.Time(time.Now())
	select {
	case r.queue <- d:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]cwtypes.MetricDatum, 0, r.batchSize)
	for {
		select {
		case d := <-r.queue:
			batch = append(batch, d)
			if len(batch) >= r.batchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case ack := <-r.flushCh:
			batch = r.drain(batch)
			close(ack)
		case <-r.done:
			r.drain(batch)
			return
		}
	}
}

// drain sends the pending batch and everything still queued.
func (r *Recorder) drain(batch []cwtypes.MetricDatum) []cwtypes.MetricDatum {
	for {
		select {
		case d := <-r.queue:
			batch = append(batch, d)
			if len(batch) >= r.batchSize {
				batch = r.flush(batch)
			}
		default:
			return r.flush(batch)
		}
	}
}

func (r *Recorder) flush(batch []cwtypes.MetricDatum) []cwtypes.MetricDatum {
	if len(batch) == 0 {
		return batch
	}
	data := make([]cwtypes.MetricDatum, len(batch))
	copy(data, batch)

	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: data,
	})
	if err != nil {
		r.logger.Error("failed to put metric data",
			"error", err.Error(),
			"datapoints", len(data),
		)
	}
	return batch[:0]
}

// dim builds a dimension. CloudWatch rejects the whole batch when any
// dimension value is empty, so an empty value is sent as "unknown".
func dim(name, value string) cwtypes.Dimension {
	if value == "" {
		value = dimUnknown
	}
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func causeValue(c types.RejectCause) string {
	if c == types.CauseNone {
		return causeNone
	}
	return string(c)
}

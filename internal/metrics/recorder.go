package metrics

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrderSubmitted records an order accepted by a broker.
func (r *Recorder) RecordOrderSubmitted(brokerName, side string) {
	OrdersSubmitted.WithLabelValues(brokerName, side).Inc()
}

// RecordOrderOutcome records the settled outcome of a symbol.
func (r *Recorder) RecordOrderOutcome(outcome string) {
	OrderOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSubmissionFailure records a failed submission stage.
func (r *Recorder) RecordSubmissionFailure(stage string) {
	SubmissionFailures.WithLabelValues(stage).Inc()
}

// RecordReprice records a limit price modification.
func (r *Recorder) RecordReprice(side string, urgent bool) {
	OrderReprices.WithLabelValues(side, strconv.FormatBool(urgent)).Inc()
}

// RecordExecution records the quality and cost of an executed order.
func (r *Recorder) RecordExecution(spread, commission decimal.Decimal) {
	EffectiveSpread.Observe(spread.InexactFloat64())
	CommissionsTotal.Add(commission.Abs().InexactFloat64())
}

// RecordWatchPoll records a watch loop iteration.
func (r *Recorder) RecordWatchPoll(active int) {
	WatchPolls.Inc()
	ActiveOrders.Set(float64(active))
}

// RecordIntegrityViolation records a failed integrity check.
func (r *Recorder) RecordIntegrityViolation(check string) {
	IntegrityViolations.WithLabelValues(check).Inc()
}

// RecordPositionMismatches records the count of mismatched symbols.
func (r *Recorder) RecordPositionMismatches(n int) {
	PositionMismatches.Set(float64(n))
}

// RecordRun records a completed run.
func (r *Recorder) RecordRun(outcome string, duration time.Duration) {
	RunsTotal.WithLabelValues(outcome).Inc()
	RunDuration.Observe(duration.Seconds())
}

// RecordBrokerRequest records broker request latency.
func (r *Recorder) RecordBrokerRequest(brokerName, op string, duration time.Duration, err error) {
	BrokerRequestLatency.WithLabelValues(brokerName, op, resultLabel(err)).Observe(duration.Seconds())
}

// RecordBrokerRetry records a throttled request being retried.
func (r *Recorder) RecordBrokerRetry(brokerName string) {
	BrokerRetries.WithLabelValues(brokerName).Inc()
}

// RecordBrokerStatus records broker connection status.
func (r *Recorder) RecordBrokerStatus(brokerName string, connected bool) {
	if connected {
		BrokerConnected.WithLabelValues(brokerName).Set(1)
	} else {
		BrokerConnected.WithLabelValues(brokerName).Set(0)
	}
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveBroker records the elapsed time as a broker request.
func (t *Timer) ObserveBroker(brokerName, op string, err error) {
	BrokerRequestLatency.WithLabelValues(brokerName, op, resultLabel(err)).Observe(t.Elapsed().Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

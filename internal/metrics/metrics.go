package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	QuotesRequested Counter
	QuotesFailed    Counter
	OrdersSubmitted Counter
	OrdersFailed    Counter
	OrdersFulfilled Counter
	OrdersCancelled Counter
	OrdersExpired   Counter
	PollErrors      Counter
	Approvals       Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		QuotesRequested: n,
		QuotesFailed:    n,
		OrdersSubmitted: n,
		OrdersFailed:    n,
		OrdersFulfilled: n,
		OrdersCancelled: n,
		OrdersExpired:   n,
		PollErrors:      n,
		Approvals:       n,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}

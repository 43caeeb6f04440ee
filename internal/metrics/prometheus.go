package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "swap_engine"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

var counterHelp = []struct {
	name string
	help string
}{
	{"quotes_requested_total", "Total number of quote requests sent."},
	{"quotes_failed_total", "Total number of quote requests that failed after retries."},
	{"orders_submitted_total", "Total number of orders submitted."},
	{"orders_failed_total", "Total number of order submission failures."},
	{"orders_fulfilled_total", "Total number of tracked orders that were fulfilled."},
	{"orders_cancelled_total", "Total number of tracked orders that were cancelled."},
	{"orders_expired_total", "Total number of tracked orders that expired."},
	{"poll_errors_total", "Total number of swallowed order status poll errors."},
	{"approvals_total", "Total number of approval transactions confirmed."},
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counters := make(map[string]prometheus.Counter, len(counterHelp))
	for _, c := range counterHelp {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      c.name,
			Help:      c.help,
		})
		registry.MustRegister(counter)
		counters[c.name] = counter
	}

	m := &Metrics{
		QuotesRequested: promCounter{counters["quotes_requested_total"]},
		QuotesFailed:    promCounter{counters["quotes_failed_total"]},
		OrdersSubmitted: promCounter{counters["orders_submitted_total"]},
		OrdersFailed:    promCounter{counters["orders_failed_total"]},
		OrdersFulfilled: promCounter{counters["orders_fulfilled_total"]},
		OrdersCancelled: promCounter{counters["orders_cancelled_total"]},
		OrdersExpired:   promCounter{counters["orders_expired_total"]},
		PollErrors:      promCounter{counters["poll_errors_total"]},
		Approvals:       promCounter{counters["approvals_total"]},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
		counters: counters,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

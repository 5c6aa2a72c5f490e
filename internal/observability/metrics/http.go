package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type seriesKey struct {
	name   string
	method string
	code   string
}

type latencyKey struct {
	name   string
	method string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[seriesKey]uint64
	errors   map[latencyKey]uint64
	latency  map[latencyKey]*histogram
}

func newCollector() *collector {
	return &collector{
		requests: make(map[seriesKey]uint64),
		errors:   make(map[latencyKey]uint64),
		latency:  make(map[latencyKey]*histogram),
	}
}

var (
	httpCollector   = newCollector()
	ledgerCollector = newCollector()
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

// ObserveLedgerCall records metrics about one remote ledger invocation.
// A status of 0 marks a transport-level failure before any response arrived.
func ObserveLedgerCall(operation, method string, status int, duration time.Duration) {
	ledgerCollector.observe(operation, method, status, duration)
}

func (c *collector) observe(name, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := seriesKey{name: name, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status == 0 || status >= 500 {
		errKey := latencyKey{name: name, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{name: name, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render("agentpay_http_requests"))
		_, _ = fmt.Fprint(w, ledgerCollector.render("agentpay_ledger_calls"))
	})
}

func (c *collector) render(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		seriesKey
		value uint64
	}
	type errorMetric struct {
		latencyKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{seriesKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{latencyKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].name == reqs[j].name {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].name < reqs[j].name
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].name == errs[j].name {
			return errs[i].method < errs[j].method
		}
		return errs[i].name < errs[j].name
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].name == lats[j].name {
			return lats[i].method < lats[j].method
		}
		return lats[i].name < lats[j].name
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString(fmt.Sprintf("# HELP %s_total Total number of calls processed.\n", prefix))
	builder.WriteString(fmt.Sprintf("# TYPE %s_total counter\n", prefix))
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("%s_total{name=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			prefix, escape(metric.name), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString(fmt.Sprintf("# HELP %s_errors_total Total number of calls that failed.\n", prefix))
	builder.WriteString(fmt.Sprintf("# TYPE %s_errors_total counter\n", prefix))
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("%s_errors_total{name=\"%s\",method=\"%s\"} %d\n",
			prefix, escape(metric.name), escape(metric.method), metric.value))
	}

	builder.WriteString(fmt.Sprintf("# HELP %s_duration_seconds Call duration in seconds.\n", prefix))
	builder.WriteString(fmt.Sprintf("# TYPE %s_duration_seconds histogram\n", prefix))
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("%s_duration_seconds_bucket{name=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				prefix, escape(metric.name), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("%s_duration_seconds_bucket{name=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			prefix, escape(metric.name), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("%s_duration_seconds_sum{name=\"%s\",method=\"%s\"} %s\n",
			prefix, escape(metric.name), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("%s_duration_seconds_count{name=\"%s\",method=\"%s\"} %d\n",
			prefix, escape(metric.name), escape(metric.method), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

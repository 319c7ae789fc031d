// Package metrics 以 Prometheus 文本格式暴露进程内指标。
// 指标体量很小，直接手工积累并在抓取时渲染，不引入客户端库。
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

type requestKey struct {
	route  string
	method string
	code   string
}

type latencyKey struct {
	route  string
	method string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu           sync.Mutex
	requests     map[requestKey]uint64
	latency      map[latencyKey]*histogram
	taskOutcomes map[string]uint64
	settlements  map[string]uint64
}

var defaultCollector = &collector{
	requests:     make(map[requestKey]uint64),
	latency:      make(map[latencyKey]*histogram),
	taskOutcomes: make(map[string]uint64),
	settlements:  make(map[string]uint64),
}

// ObserveRequest 记录一次 HTTP 请求的结果与耗时。
func ObserveRequest(route, method string, status int, duration time.Duration) {
	defaultCollector.observeRequest(route, method, status, duration)
}

// IncTaskOutcome 统计进入终态的任务数量，按终态状态分桶。
func IncTaskOutcome(status string) {
	defaultCollector.mu.Lock()
	defaultCollector.taskOutcomes[status]++
	defaultCollector.mu.Unlock()
}

// IncSettlement 统计账本结算流水，按流水类型分桶。
func IncSettlement(kind string) {
	defaultCollector.mu.Lock()
	defaultCollector.settlements[kind]++
	defaultCollector.mu.Unlock()
}

func (c *collector) observeRequest(route, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{route: route, method: method, code: strconv.Itoa(status)}]++

	latKey := latencyKey{route: route, method: method}
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
	// 超过最后一个桶的样本只进 +Inf，由 h.count 兜底。
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Instrument 包装业务 Handler，按路由记录请求指标。
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		ObserveRequest(route, r.Method, recorder.status, time.Since(start))
	})
}

// Handler 以 Prometheus 文本格式输出当前指标快照。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
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
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
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
		if reqs[i].route == reqs[j].route {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].route < reqs[j].route
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].route == lats[j].route {
			return lats[i].method < lats[j].method
		}
		return lats[i].route < lats[j].route
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentvault_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE agentvault_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("agentvault_http_requests_total{route=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.route), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP agentvault_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE agentvault_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("agentvault_http_request_duration_seconds_bucket{route=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.route), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("agentvault_http_request_duration_seconds_bucket{route=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.route), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("agentvault_http_request_duration_seconds_sum{route=\"%s\",method=\"%s\"} %s\n",
			escape(metric.route), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("agentvault_http_request_duration_seconds_count{route=\"%s\",method=\"%s\"} %d\n",
			escape(metric.route), escape(metric.method), metric.count))
	}

	writeCounter(&builder, "agentvault_task_outcomes_total",
		"Total number of tasks that reached a terminal status.", "status", c.taskOutcomes)
	writeCounter(&builder, "agentvault_ledger_settlements_total",
		"Total number of ledger settlement entries appended.", "kind", c.settlements)

	return builder.String()
}

func writeCounter(builder *strings.Builder, name, help, label string, values map[string]uint64) {
	builder.WriteString("# HELP " + name + " " + help + "\n")
	builder.WriteString("# TYPE " + name + " counter\n")

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, escape(key), values[key]))
	}
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

// StartServer 启动独立的 /metrics 抓取端点，直到上下文取消。
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

// Package metrics 以 Prometheus 文本格式暴露后台核心的运行指标。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Outcome 描述一次消息分发的结果。
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeDenied  Outcome = "denied"
	OutcomeDropped Outcome = "dropped"
)

type dispatchKey struct {
	kind    string
	outcome Outcome
}

type requestKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	dispatch map[dispatchKey]uint64
	latency  map[string]*histogram
	requests map[requestKey]uint64
	gauges   map[string]float64
}

var defaultCollector = newCollector()

func newCollector() *collector {
	return &collector{
		dispatch: make(map[dispatchKey]uint64),
		latency:  make(map[string]*histogram),
		requests: make(map[requestKey]uint64),
		gauges:   make(map[string]float64),
	}
}

// ObserveDispatch 记录一次消息分发。
func ObserveDispatch(kind string, outcome Outcome, duration time.Duration) {
	defaultCollector.observeDispatch(kind, outcome, duration)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
}

// SetGauge 设置一个瞬时值，例如待处理请求数或链连接数。
func SetGauge(name string, value float64) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

// DispatchCount 返回指定 kind 与结果的累计次数。
func DispatchCount(kind string, outcome Outcome) uint64 {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatch[dispatchKey{kind: kind, outcome: outcome}]
}

// Gauge 返回瞬时值。
func Gauge(name string) (float64, bool) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.gauges[name]
	return v, ok
}

func (c *collector) observeDispatch(kind string, outcome Outcome, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch[dispatchKey{kind: kind, outcome: outcome}]++
	hist := c.latency[kind]
	if hist == nil {
		hist = newHistogram()
		c.latency[kind] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	dispatchKeys := make([]dispatchKey, 0, len(c.dispatch))
	for key := range c.dispatch {
		dispatchKeys = append(dispatchKeys, key)
	}
	sort.Slice(dispatchKeys, func(i, j int) bool {
		if dispatchKeys[i].kind == dispatchKeys[j].kind {
			return dispatchKeys[i].outcome < dispatchKeys[j].outcome
		}
		return dispatchKeys[i].kind < dispatchKeys[j].kind
	})
	kinds := make([]string, 0, len(c.latency))
	for kind := range c.latency {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, b := reqKeys[i], reqKeys[j]
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.code < b.code
	})
	gaugeNames := make([]string, 0, len(c.gauges))
	for name := range c.gauges {
		gaugeNames = append(gaugeNames, name)
	}
	sort.Strings(gaugeNames)

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP walletd_dispatch_total Messages dispatched by kind and outcome.\n")
	b.WriteString("# TYPE walletd_dispatch_total counter\n")
	for _, key := range dispatchKeys {
		fmt.Fprintf(&b, "walletd_dispatch_total{kind=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.kind), key.outcome, c.dispatch[key])
	}

	b.WriteString("# HELP walletd_dispatch_duration_seconds Handler latency by kind.\n")
	b.WriteString("# TYPE walletd_dispatch_duration_seconds histogram\n")
	for _, kind := range kinds {
		hist := c.latency[kind]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&b, "walletd_dispatch_duration_seconds_bucket{kind=\"%s\",le=\"%s\"} %d\n",
				escape(kind), formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "walletd_dispatch_duration_seconds_bucket{kind=\"%s\",le=\"+Inf\"} %d\n", escape(kind), hist.count)
		fmt.Fprintf(&b, "walletd_dispatch_duration_seconds_sum{kind=\"%s\"} %s\n", escape(kind), formatFloat(hist.sum))
		fmt.Fprintf(&b, "walletd_dispatch_duration_seconds_count{kind=\"%s\"} %d\n", escape(kind), hist.count)
	}

	b.WriteString("# HELP walletd_http_requests_total HTTP requests by handler, method and status.\n")
	b.WriteString("# TYPE walletd_http_requests_total counter\n")
	for _, key := range reqKeys {
		fmt.Fprintf(&b, "walletd_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), key.code, c.requests[key])
	}

	for _, name := range gaugeNames {
		metric := "walletd_" + name
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %s\n", metric, metric, formatFloat(c.gauges[name]))
	}
	return b.String()
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

// Package metrics keeps process-lifetime ingestion counters. They are
// diagnostic only: in-memory, reset on restart, exposed read-only.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Per-scope ingestion outcomes.
const (
	OutcomeIngested     = "ingested"
	OutcomeDuplicated   = "duplicated"
	OutcomeRateLimited  = "rate_limited"
	OutcomeUnauthorized = "unauthorized"
)

type Registry struct {
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	ingestion map[string]*IngestionStat
	status    map[string]int64
	gauges    map[string]float64
}

// EndpointStat aggregates request latency per HTTP route.
type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// IngestionStat is the counter bucket for one ingestion scope
// (public-events, public-requests, admin-events).
type IngestionStat struct {
	Total        int64 `json:"total"`
	Ingested     int64 `json:"ingested"`
	Duplicated   int64 `json:"duplicated"`
	RateLimited  int64 `json:"rate_limited"`
	Unauthorized int64 `json:"unauthorized"`
}

type Snapshot struct {
	GeneratedAt        string                   `json:"generated_at"`
	Endpoints          map[string]EndpointStat  `json:"endpoints"`
	Ingestion          map[string]IngestionStat `json:"ingestion"`
	RequestTransitions map[string]int64         `json:"request_transitions"`
	Gauges             map[string]float64       `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		ingestion: map[string]*IngestionStat{},
		status:    map[string]int64{},
		gauges:    map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncIngestion bumps total plus the named outcome for a scope.
func (r *Registry) IncIngestion(scope, outcome string) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.ingestion[scope]
	if !ok {
		stat = &IngestionStat{}
		r.ingestion[scope] = stat
	}
	stat.Total++
	switch outcome {
	case OutcomeIngested:
		stat.Ingested++
	case OutcomeDuplicated:
		stat.Duplicated++
	case OutcomeRateLimited:
		stat.RateLimited++
	case OutcomeUnauthorized:
		stat.Unauthorized++
	}
}

// IncTransition counts accepted lifecycle transitions by target status.
func (r *Registry) IncTransition(target string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}
	r.mu.Lock()
	r.status[target]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Ingestion:          make(map[string]IngestionStat, len(r.ingestion)),
		RequestTransitions: make(map[string]int64, len(r.status)),
		Gauges:             make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.ingestion {
		out.Ingestion[k] = *v
	}
	for k, v := range r.status {
		out.RequestTransitions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP drshaq_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE drshaq_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "drshaq_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP drshaq_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE drshaq_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "drshaq_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP drshaq_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE drshaq_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "drshaq_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP drshaq_ingestion_total ingestion outcomes by scope\n")
		b.WriteString("# TYPE drshaq_ingestion_total counter\n")
		for _, scope := range sortedKeys(snap.Ingestion) {
			stat := snap.Ingestion[scope]
			fmt.Fprintf(b, "drshaq_ingestion_total{scope=%q,outcome=\"total\"} %d\n", scope, stat.Total)
			fmt.Fprintf(b, "drshaq_ingestion_total{scope=%q,outcome=%q} %d\n", scope, OutcomeIngested, stat.Ingested)
			fmt.Fprintf(b, "drshaq_ingestion_total{scope=%q,outcome=%q} %d\n", scope, OutcomeDuplicated, stat.Duplicated)
			fmt.Fprintf(b, "drshaq_ingestion_total{scope=%q,outcome=%q} %d\n", scope, OutcomeRateLimited, stat.RateLimited)
			fmt.Fprintf(b, "drshaq_ingestion_total{scope=%q,outcome=%q} %d\n", scope, OutcomeUnauthorized, stat.Unauthorized)
		}
		b.WriteString("# HELP drshaq_request_transitions_total accepted lifecycle transitions by target status\n")
		b.WriteString("# TYPE drshaq_request_transitions_total counter\n")
		for _, target := range sortedKeys(snap.RequestTransitions) {
			fmt.Fprintf(b, "drshaq_request_transitions_total{status=%q} %d\n", target, snap.RequestTransitions[target])
		}
		b.WriteString("# HELP drshaq_gauge operational gauge metrics\n")
		b.WriteString("# TYPE drshaq_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "drshaq_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

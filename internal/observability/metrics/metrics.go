// Package metrics exposes control-plane counters in the Prometheus text
// exposition format without pulling in a client library.
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
	"sync/atomic"
	"time"
)

type messageKey struct {
	msgType string
	outcome string
}

type collector struct {
	mu         sync.Mutex
	messages   map[messageKey]uint64
	violations map[string]uint64
	tasks      map[string]uint64
	sessions   atomic.Int64
}

var defaultCollector = &collector{
	messages:   make(map[messageKey]uint64),
	violations: make(map[string]uint64),
	tasks:      make(map[string]uint64),
}

// ObserveMessage records a processed inbound message and its outcome.
func ObserveMessage(msgType string, accepted bool) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	defaultCollector.mu.Lock()
	defaultCollector.messages[messageKey{msgType: msgType, outcome: outcome}]++
	defaultCollector.mu.Unlock()
}

// ObserveViolation records a protocol hardening violation by reason.
func ObserveViolation(reason string) {
	defaultCollector.mu.Lock()
	defaultCollector.violations[reason]++
	defaultCollector.mu.Unlock()
}

// ObserveTaskTransition records a task entering the given status.
func ObserveTaskTransition(status string) {
	defaultCollector.mu.Lock()
	defaultCollector.tasks[status]++
	defaultCollector.mu.Unlock()
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	defaultCollector.sessions.Add(1)
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	defaultCollector.sessions.Add(-1)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type labeled struct {
		labels string
		value  uint64
	}
	collect := func(m map[messageKey]uint64) []labeled {
		out := make([]labeled, 0, len(m))
		for key, value := range m {
			out = append(out, labeled{
				labels: fmt.Sprintf("type=\"%s\",outcome=\"%s\"", escape(key.msgType), escape(key.outcome)),
				value:  value,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].labels < out[j].labels })
		return out
	}
	collectSimple := func(m map[string]uint64, label string) []labeled {
		out := make([]labeled, 0, len(m))
		for key, value := range m {
			out = append(out, labeled{
				labels: fmt.Sprintf("%s=\"%s\"", label, escape(key)),
				value:  value,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].labels < out[j].labels })
		return out
	}

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP sentinel_messages_total Total number of inbound implant messages processed.\n")
	builder.WriteString("# TYPE sentinel_messages_total counter\n")
	for _, metric := range collect(c.messages) {
		builder.WriteString(fmt.Sprintf("sentinel_messages_total{%s} %d\n", metric.labels, metric.value))
	}

	builder.WriteString("# HELP sentinel_protocol_violations_total Total number of protocol hardening violations.\n")
	builder.WriteString("# TYPE sentinel_protocol_violations_total counter\n")
	for _, metric := range collectSimple(c.violations, "reason") {
		builder.WriteString(fmt.Sprintf("sentinel_protocol_violations_total{%s} %d\n", metric.labels, metric.value))
	}

	builder.WriteString("# HELP sentinel_task_transitions_total Total number of task status transitions.\n")
	builder.WriteString("# TYPE sentinel_task_transitions_total counter\n")
	for _, metric := range collectSimple(c.tasks, "status") {
		builder.WriteString(fmt.Sprintf("sentinel_task_transitions_total{%s} %d\n", metric.labels, metric.value))
	}

	builder.WriteString("# HELP sentinel_sessions_active Number of currently connected implant sessions.\n")
	builder.WriteString("# TYPE sentinel_sessions_active gauge\n")
	builder.WriteString(fmt.Sprintf("sentinel_sessions_active %s\n",
		strconv.FormatInt(c.sessions.Load(), 10)))

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
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

// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for botbridge. It deliberately avoids the prometheus/client_golang
// package so the relay binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Sent                               →  key = "transport"
//	Stored / DeliveredLive             →  key = "recipient"
//	Broadcasts                         →  key = "sender"
//	Connections / Disconnections       →  key = "peer"
//	HTTPReqs                           →  key = "method\tpath\tstatus"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// Total returns the sum of all label values.
func (lc *labelCounter) Total() int64 {
	var sum int64
	lc.Each(func(_ string, val int64) { sum += val })
	return sum
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all botbridge application metrics.
type Registry struct {
	// Delivery counters.
	Sent          labelCounter // key = transport ("ws" | "http")
	Stored        labelCounter // key = recipient
	DeliveredLive labelCounter // key = recipient
	Acked         labelCounter // rendered as a single unlabelled total
	Broadcasts    labelCounter // key = sender

	// Connection lifecycle counters.  key = peer
	Connections    labelCounter
	Disconnections labelCounter

	// HTTP counters.  key = "method\tpath\tstatus"
	HTTPReqs labelCounter
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		writeFamily(&b, "botbridge_messages_sent_total",
			"Total messages accepted for delivery, by transport", "counter",
			func(fn func(labels, val string)) {
				r.Sent.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`transport=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "botbridge_messages_stored_total",
			"Total messages persisted as unread", "counter",
			func(fn func(labels, val string)) {
				r.Stored.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`recipient=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "botbridge_messages_delivered_live_total",
			"Total messages pushed over a live channel", "counter",
			func(fn func(labels, val string)) {
				r.DeliveredLive.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`recipient=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		if total := r.Acked.Total(); total > 0 {
			fmt.Fprintf(&b, "# HELP botbridge_messages_acked_total Total messages acknowledged by recipients\n")
			fmt.Fprintf(&b, "# TYPE botbridge_messages_acked_total counter\n")
			fmt.Fprintf(&b, "botbridge_messages_acked_total %d\n", total)
		}

		writeFamily(&b, "botbridge_broadcasts_total",
			"Total broadcast frames fanned out", "counter",
			func(fn func(labels, val string)) {
				r.Broadcasts.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`sender=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "botbridge_connections_total",
			"Total live-channel connections established", "counter",
			func(fn func(labels, val string)) {
				r.Connections.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`peer=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "botbridge_disconnections_total",
			"Total live-channel disconnections", "counter",
			func(fn func(labels, val string)) {
				r.Disconnections.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`peer=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "botbridge_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const familyName = "rendezvous_signaling_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// PrometheusHandler renders the counter registry in Prometheus' text
// exposition format. Every counter becomes one sample of a single metric
// family, keyed by an `event` label, so scrapers need no per-counter
// registration.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)

		var b strings.Builder
		fmt.Fprintf(&b, "# HELP %s Internal event counters.\n", familyName)
		fmt.Fprintf(&b, "# TYPE %s counter\n", familyName)
		for _, name := range names {
			fmt.Fprintf(&b, "%s{event=\"%s\"} %d\n", familyName, labelEscaper.Replace(name), snap[name])
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})
}

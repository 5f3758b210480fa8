package observability

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Handler serves the metrics snapshot as JSON. The optional prefix query
// parameter narrows operations, counters and gauges to matching names, for
// example ?prefix=consume/ for the consumers only.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := metrics.Snapshot()
		if prefix := r.URL.Query().Get("prefix"); prefix != "" {
			snap.Operations = filterPrefix(snap.Operations, prefix)
			snap.Counters = filterPrefix(snap.Counters, prefix)
			snap.Gauges = filterPrefix(snap.Gauges, prefix)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

func filterPrefix[V any](in map[string]V, prefix string) map[string]V {
	out := make(map[string]V, len(in))
	for name, v := range in {
		if strings.HasPrefix(name, prefix) {
			out[name] = v
		}
	}
	return out
}

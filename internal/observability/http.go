package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the metrics snapshot as JSON. ?section=steps|ledger|breaker|runs
// narrows the response to one block.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if metrics == nil {
			http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
			return
		}
		snap := metrics.Snapshot()

		var body any = snap
		switch section := r.URL.Query().Get("section"); section {
		case "":
		case "steps":
			body = snap.Steps
		case "ledger":
			body = snap.Ledger
		case "breaker":
			body = snap.Breaker
		case "runs":
			body = snap.Runs
		default:
			http.Error(w, "unknown section "+section, http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(body)
	})
}

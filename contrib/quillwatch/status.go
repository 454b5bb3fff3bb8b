package quillwatch

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillnote/quillsync"
)

// Status is the body of GET /status.
type Status struct {
	State   string `json:"state"`
	Retries int    `json:"retries"`
	Loaded  bool   `json:"loaded"`
	Items   int    `json:"items"`
	Total   int    `json:"total"`
	Tags    int    `json:"tags"`
	Call    string `json:"call"`
	Peer    string `json:"peer,omitempty"`
}

// NewRouter serves the client status and the metrics gathered by g.
func NewRouter(c *quillsync.Client, g prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", statusHandler(c)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func statusHandler(c *quillsync.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := c.Snapshot(r.Context())
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		view := c.CallView()
		respondJSON(w, http.StatusOK, Status{
			State:   c.Status().String(),
			Retries: c.Retries(),
			Loaded:  snap.Loaded,
			Items:   len(snap.Items),
			Total:   snap.Total,
			Tags:    len(snap.Tags),
			Call:    string(view.Mode),
			Peer:    view.Peer,
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

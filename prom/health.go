package prom

import (
	"encoding/json"
	"net/http"

	"github.com/helpcomp/ynab-splitwise-importer/httperror"
)

// HealthHandler reports liveness for container orchestrators.
func HealthHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		httperror.Send(w, req, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

package terminalws

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// registrySnapshot is one row of the /internal/registry introspection
// response consumed by cmd/agentbridgectl. ReplayPreview is the
// session's current replay-buffer contents, base64-encoded so the
// dashboard can feed it through internal/vt100 and render a scrollback
// preview without dialing a terminal WebSocket of its own.
type registrySnapshot struct {
	OutputProjectID string  `json:"output_project_id"`
	IdleSeconds     float64 `json:"idle_seconds"`
	BoundConnection bool    `json:"bound_connection"`
	ReplayPreview   string  `json:"replay_preview,omitempty"`
}

// AdminToken, when non-empty, is compared against the incoming
// Authorization header by ServeRegistrySnapshot.
func (h *Handler) ServeRegistrySnapshot(adminToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if adminToken != "" {
			got := r.Header.Get("Authorization")
			if got != "Bearer "+adminToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		snapshots := h.reg.Snapshot()
		rows := make([]registrySnapshot, 0, len(snapshots))
		for _, s := range snapshots {
			row := registrySnapshot{
				OutputProjectID: s.OutputProjectID,
				IdleSeconds:     s.IdleSeconds,
				BoundConnection: s.BoundConnection,
			}
			if len(s.ReplayTail) > 0 {
				row.ReplayPreview = base64.StdEncoding.EncodeToString(s.ReplayTail)
			}
			rows = append(rows, row)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

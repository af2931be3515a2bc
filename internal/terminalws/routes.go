package terminalws

import (
	"net/http"
	"regexp"
)

var milestoneRoute = regexp.MustCompile(`^/milestones/([^/]+)/terminal$`)
var projectRoute = regexp.MustCompile(`^/output-projects/([^/]+)/terminal$`)
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id has the shape every {milestone_id} and
// {output_project_id} route segment is expected to have. Neither the
// document store nor the registry enforces a schema on caller-supplied
// ids, so this is the only gate against a structurally malformed id
// reaching a lookup or bind (spec.md §6.1, close code 4000).
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// MilestoneLookup resolves a milestone id to its parent project id and
// context file path. Implemented by the caller against the document
// store so this package stays free of store-schema knowledge beyond
// the Persister/Mirror interfaces capture already needs.
type MilestoneLookup interface {
	ResolveMilestone(milestoneID string) (projectID, contextFilePath string, err error)
}

// Routes registers the two terminal WebSocket endpoints and the admin
// registry snapshot endpoint on mux.
func (h *Handler) Routes(mux *http.ServeMux, lookup MilestoneLookup, adminToken string) {
	mux.HandleFunc("/milestones/", func(w http.ResponseWriter, r *http.Request) {
		m := milestoneRoute.FindStringSubmatch(r.URL.Path)
		if m == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if !ValidID(m[1]) {
			h.RejectMalformedID(w, r)
			return
		}
		projectID, contextFilePath, err := lookup.ResolveMilestone(m[1])
		if err != nil {
			http.Error(w, "unknown milestone", http.StatusBadRequest)
			return
		}
		h.ServeMilestone(w, r, projectID, contextFilePath)
	})

	mux.HandleFunc("/output-projects/", func(w http.ResponseWriter, r *http.Request) {
		m := projectRoute.FindStringSubmatch(r.URL.Path)
		if m == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if !ValidID(m[1]) {
			h.RejectMalformedID(w, r)
			return
		}
		h.ServeOutputProject(w, r, m[1])
	})

	mux.HandleFunc("/internal/registry", h.ServeRegistrySnapshot(adminToken))
}

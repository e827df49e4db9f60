package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
)

// Maintainer is the daemon surface the handlers drive.
type Maintainer interface {
	// Tables returns the roots under maintenance.
	Tables() []string

	// RunOnce performs a full maintenance cycle over every table.
	RunOnce(ctx context.Context)

	// RunTable performs one table's optimize and vacuum cycle.
	RunTable(ctx context.Context, root string) error
}

// HealthResponse is the body of a health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Tables  int    `json:"tables"`
}

// TriggerResponse is the body of an accepted trigger request.
type TriggerResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	service    string
	maintainer Maintainer
}

// NewHealthHandler creates a health handler reporting for service.
func NewHealthHandler(service string, m Maintainer) *HealthHandler {
	return &HealthHandler{service: service, maintainer: m}
}

// ServeHTTP reports the daemon as healthy with its table count.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Tables:  len(h.maintainer.Tables()),
	})
}

// TriggerHandler handles POST /trigger requests. Without a table query
// parameter it starts a full maintenance cycle; with one it maintains
// that table only. The work runs in the background and the request is
// acknowledged with 202.
type TriggerHandler struct {
	maintainer Maintainer
}

// NewTriggerHandler creates a trigger handler over the daemon.
func NewTriggerHandler(m Maintainer) *TriggerHandler {
	return &TriggerHandler{maintainer: m}
}

// ServeHTTP validates and dispatches the trigger request.
func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	root := r.URL.Query().Get("table")
	if root == "" {
		log.Printf("api: manual maintenance triggered (full cycle)")
		go h.maintainer.RunOnce(context.Background())
		writeJSON(w, http.StatusAccepted, TriggerResponse{
			Status:    "accepted",
			Message:   "full maintenance cycle triggered",
			RequestID: requestID,
		})
		return
	}

	known := false
	for _, t := range h.maintainer.Tables() {
		if t == root {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, fmt.Sprintf("table %s is not under maintenance", root), requestID)
		return
	}

	log.Printf("api: manual maintenance triggered for table=%s", root)
	go func() {
		if err := h.maintainer.RunTable(context.Background(), root); err != nil {
			log.Printf("api: manual maintenance for %s failed: %v", root, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, TriggerResponse{
		Status:    "accepted",
		Message:   fmt.Sprintf("maintenance triggered for table=%s", root),
		RequestID: requestID,
	})
}

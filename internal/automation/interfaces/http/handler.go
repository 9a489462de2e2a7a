package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	automation "cmms-automation/internal/automation/domain"
)

// EngineControl is the engine surface the API drives.
type EngineControl interface {
	OnAutomationChanged(item automation.Automation) error
	OnAutomationRemoved(id string)
	ReloadAutomations(ctx context.Context) error
}

// AutomationStore persists automation definitions.
type AutomationStore interface {
	Upsert(ctx context.Context, item automation.Automation) error
	Delete(ctx context.Context, id string) error
}

// Handler serves the automation configuration API: the change-notification
// surface the configuration UI calls after saving an automation.
type Handler struct {
	engine EngineControl
	store  AutomationStore
	logger *log.Logger
}

// NewHandler constructs an automation handler.
func NewHandler(engine EngineControl, store AutomationStore, logger *log.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("automation handler: nil engine")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{engine: engine, store: store, logger: logger}, nil
}

// ServeHTTP routes automation API requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/automations")
	path = strings.Trim(path, "/")

	switch {
	case r.Method == http.MethodPut && path == "":
		h.handleUpsert(w, r)
	case r.Method == http.MethodPost && path == "reload":
		h.handleReload(w, r)
	case r.Method == http.MethodDelete && path != "":
		h.handleDelete(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var item automation.Automation
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		h.logger.Printf("automation api: decode error: %v", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := item.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.store != nil {
		if err := h.store.Upsert(r.Context(), item); err != nil {
			h.logger.Printf("automation api: store error for %s: %v", item.ID, err)
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
	}
	if err := h.engine.OnAutomationChanged(item); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": item.ID, "status": "published"})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if h.store != nil {
		if err := h.store.Delete(r.Context(), id); err != nil {
			h.logger.Printf("automation api: delete error for %s: %v", id, err)
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
	}
	h.engine.OnAutomationRemoved(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ReloadAutomations(r.Context()); err != nil {
		h.logger.Printf("automation api: reload error: %v", err)
		http.Error(w, "reload error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
}

// Package httpapi exposes the gateway's HTTP surface: fleet inspection,
// outbound submission, the websocket endpoints and plugin sub-routers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smsterm/gateway/internal/gateway/domain"
	"github.com/smsterm/gateway/internal/gateway/notify"
	"github.com/smsterm/gateway/internal/gateway/plugin"
	"github.com/smsterm/gateway/internal/gateway/repository"
	"github.com/smsterm/gateway/internal/gateway/term"
)

// SendMessageRequest is the DTO for POST /api/messages.
type SendMessageRequest struct {
	Address string `json:"address" validate:"required"`
	Data    string `json:"data" validate:"required,min=1"`
	Group   string `json:"group,omitempty"`
}

// SendMessageResponse reports the queued item.
type SendMessageResponse struct {
	Hash string `json:"hash"`
	IMSI string `json:"imsi"`
}

// RecentsResponse is a page of recent conversations.
type RecentsResponse struct {
	Total int           `json:"total"`
	Items []RecentEntry `json:"items"`
}

// RecentEntry is the latest queue row of one address.
type RecentEntry struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	IMSI    string    `json:"imsi"`
	Address string    `json:"address"`
	Data    string    `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// Handler serves the gateway API.
type Handler struct {
	fleet     *term.Fleet
	hub       *notify.Hub
	queueRepo repository.QueueRepository
	registry  *plugin.Registry
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewHandler(fleet *term.Fleet, hub *notify.Hub, queueRepo repository.QueueRepository, registry *plugin.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		fleet:     fleet,
		hub:       hub,
		queueRepo: queueRepo,
		registry:  registry,
		validate:  validator.New(),
		logger:    logger.With("component", "httpapi"),
	}
}

// Router assembles the full route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/ws/ui", h.hub.ServeUI)
	r.Get("/ws/gw", h.hub.ServeGW)

	r.Route("/api", func(api chi.Router) {
		api.Get("/terminals", h.handleListTerminals)
		api.Post("/terminals/{imsi}/options", h.handleSetOptions)
		api.Get("/recents", h.handleRecents)
		api.Post("/messages", h.handleSendMessage)
	})

	r.Route("/plugins", func(pr chi.Router) {
		for _, p := range h.registry.Plugins() {
			if rm, ok := p.(plugin.RouterMounter); ok {
				name := p.Name()
				pr.Route("/"+name, func(sub chi.Router) {
					rm.Router(sub)
				})
			}
		}
	})
	return r
}

func (h *Handler) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.fleet.Snapshot())
}

func (h *Handler) handleSetOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	imsi := chi.URLParam(r, "imsi")
	t := h.fleet.Get(imsi)
	if t == nil {
		h.jsonError(w, "Unknown terminal", http.StatusNotFound)
		return
	}
	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		h.logger.ErrorContext(ctx, "Failed to decode options update", "imsi", imsi, "error", err)
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	t.ApplyOptions(partial)
	h.writeJSON(w, http.StatusOK, t.Options())
}

func (h *Handler) handleRecents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 20)
	total, err := h.queueRepo.CountRecents(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to count recents", "error", err)
		h.jsonError(w, "Failed to load recents", http.StatusInternalServerError)
		return
	}
	items, err := h.queueRepo.Recents(ctx, offset, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to load recents", "error", err)
		h.jsonError(w, "Failed to load recents", http.StatusInternalServerError)
		return
	}
	resp := RecentsResponse{Total: total, Items: make([]RecentEntry, len(items))}
	for i, item := range items {
		resp.Items[i] = RecentEntry{
			ID:      item.ID,
			Type:    item.Type.String(),
			IMSI:    item.IMSI,
			Address: item.Address,
			Data:    item.Payload(),
			Time:    item.Time,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimiddleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.ErrorContext(ctx, "Failed to decode send message request", "error", err)
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := h.validate.StructCtx(ctx, req); err != nil {
		logger.ErrorContext(ctx, "Validation failed for send message request", "error", err)
		h.jsonError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	item := &domain.QueueItem{
		Type:    domain.ActivitySMS,
		Address: req.Address,
		Time:    time.Now(),
	}
	item.Data.String, item.Data.Valid = req.Data, true
	t, stored, err := h.fleet.Add(ctx, item, req.Group)
	if err != nil {
		if errors.Is(err, domain.ErrNoTerminal) {
			h.jsonError(w, "No eligible terminal", http.StatusServiceUnavailable)
			return
		}
		logger.ErrorContext(ctx, "Failed to queue message", "address", req.Address, "error", err)
		h.jsonError(w, "Failed to queue message", http.StatusInternalServerError)
		return
	}
	if stored == nil {
		h.jsonError(w, "Duplicate message", http.StatusConflict)
		return
	}
	logger.InfoContext(ctx, "Message queued", "imsi", t.Name(), "hash", stored.Hash)
	h.writeJSON(w, http.StatusAccepted, SendMessageResponse{Hash: stored.Hash, IMSI: t.Name()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.ErrorContext(context.Background(), "Failed to encode response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

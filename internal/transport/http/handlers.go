package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/botbridge/internal/metrics"
	"github.com/snehjoshi/botbridge/internal/registry"
	"github.com/snehjoshi/botbridge/internal/router"
	"github.com/snehjoshi/botbridge/internal/store"
	"github.com/snehjoshi/botbridge/internal/types"
)

// Handler groups all HTTP request handlers around the router, store, and
// registry. Every response carries a success flag plus either data or an
// error string — callers never see a bare failure.
type Handler struct {
	router    *router.Router
	store     store.Store
	registry  *registry.Registry
	nodeID    string
	purgeDays int // default read-age cutoff for the retention sweep
	metrics   *metrics.Registry
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type sendReq struct {
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
}

type sendResp struct {
	Success   bool      `json:"success"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type messagesResp struct {
	Success  bool             `json:"success"`
	Count    int              `json:"count"`
	Messages []*types.Message `json:"messages"`
}

type purgeResp struct {
	Success      bool `json:"success"`
	DeletedCount int  `json:"deleted_count"`
}

type statusResp struct {
	Success       bool      `json:"success"`
	Status        string    `json:"status"`
	UnreadCount   int       `json:"unread_count"`
	ConnectedBots int       `json:"connected_bots"`
	NodeID        string    `json:"node_id"`
	Timestamp     time.Time `json:"timestamp"`
}

type connectionsResp struct {
	Bots []string `json:"bots"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Send (store + optional live push) ────────────────────────────────────────

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, err := h.router.Send(r.Context(), req.Sender, req.Recipient, req.Content, req.Metadata)
	if err != nil {
		if errors.Is(err, router.ErrMissingFields) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// Storage failure: the one case where the send itself failed.
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if h.metrics != nil {
		h.metrics.Sent.Inc("http")
	}
	writeJSON(w, http.StatusOK, sendResp{
		Success:   true,
		ID:        outcome.ID,
		Timestamp: time.Now().UTC(),
	})
}

// ─── Pull (stateless fallback) ────────────────────────────────────────────────

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "missing required parameter: recipient",
		})
		return
	}

	filter, err := store.ParseFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := store.DefaultQueryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	msgs, err := h.store.Query(r.Context(), recipient, filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, messagesResp{Success: true, Count: len(msgs), Messages: msgs})
}

// ─── Ack fallback ─────────────────────────────────────────────────────────────

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ok, err := h.router.Ack(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "message not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ─── Retention sweep ──────────────────────────────────────────────────────────

func (h *Handler) purgeMessages(w http.ResponseWriter, r *http.Request) {
	days := h.purgeDays
	if v := r.URL.Query().Get("older_than"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			days = parsed
		}
	}

	n, err := h.store.Purge(r.Context(), store.FilterRead, time.Duration(days)*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResp{Success: true, DeletedCount: n})
}

// ─── Introspection ────────────────────────────────────────────────────────────

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	unread, err := h.store.UnreadCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResp{
		Success:       true,
		Status:        "running",
		UnreadCount:   unread,
		ConnectedBots: h.registry.Count(),
		NodeID:        h.nodeID,
		Timestamp:     time.Now().UTC(),
	})
}

func (h *Handler) connections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, connectionsResp{Bots: h.registry.ListPeers()})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"success": false, "error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "invalid json: " + err.Error(),
		})
		return false
	}
	return true
}

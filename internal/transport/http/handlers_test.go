package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/botbridge/internal/config"
	"github.com/snehjoshi/botbridge/internal/metrics"
	"github.com/snehjoshi/botbridge/internal/registry"
	"github.com/snehjoshi/botbridge/internal/router"
	"github.com/snehjoshi/botbridge/internal/store"
	transphttp "github.com/snehjoshi/botbridge/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.OpenSQLite(filepath.Join(cfg.Node.DataDir, "messages.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	metricsReg := &metrics.Registry{}
	rt := router.New(st, reg, router.WithMetrics(metricsReg))

	srv := transphttp.New(rt, st, reg, cfg, "test-node", metricsReg)
	return srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func sendMessage(t *testing.T, h http.Handler, sender, recipient, content string) string {
	t.Helper()
	rr := doRequest(t, h, "POST", "/api/messages", map[string]any{
		"sender": sender, "recipient": recipient, "content": content,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("send: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	decodeResp(t, rr, &resp)
	if !resp.Success || resp.ID == "" {
		t.Fatalf("send: bad response %+v", resp)
	}
	return resp.ID
}

// ─── Health ──────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	h := newTestServer(t, nil)
	rr := doRequest(t, h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("health status: want ok, got %v", resp["status"])
	}
}

// ─── Send / pull / ack round trip ────────────────────────────────────────────

func TestHTTP_SendPullAckPull(t *testing.T) {
	h := newTestServer(t, nil)

	id := sendMessage(t, h, "xiaoc", "xiaod", "hello")

	// Pull unread: the message is there exactly once.
	rr := doRequest(t, h, "GET", "/api/messages?recipient=xiaod", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pull: want 200, got %d", rr.Code)
	}
	var pull struct {
		Success  bool `json:"success"`
		Count    int  `json:"count"`
		Messages []struct {
			ID      string `json:"id"`
			Sender  string `json:"sender"`
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"messages"`
	}
	decodeResp(t, rr, &pull)
	if pull.Count != 1 || len(pull.Messages) != 1 {
		t.Fatalf("pull: want exactly 1 message, got %d", pull.Count)
	}
	if pull.Messages[0].ID != id || pull.Messages[0].Status != "unread" {
		t.Errorf("pulled message: %+v", pull.Messages[0])
	}

	// Ack it.
	rr = doRequest(t, h, "POST", fmt.Sprintf("/api/messages/%s/read", id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("markRead: want 200, got %d — body: %s", rr.Code, rr.Body)
	}

	// Unread pull is now empty; the message is never delivered again.
	rr = doRequest(t, h, "GET", "/api/messages?recipient=xiaod&status=unread", nil)
	decodeResp(t, rr, &pull)
	if pull.Count != 0 {
		t.Errorf("unread after ack: want 0, got %d", pull.Count)
	}

	// It still exists as read.
	rr = doRequest(t, h, "GET", "/api/messages?recipient=xiaod&status=read", nil)
	decodeResp(t, rr, &pull)
	if pull.Count != 1 {
		t.Errorf("read after ack: want 1, got %d", pull.Count)
	}
}

func TestHTTP_Send_MissingFields(t *testing.T) {
	h := newTestServer(t, nil)
	rr := doRequest(t, h, "POST", "/api/messages", map[string]any{
		"sender": "xiaoc", "content": "no recipient",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("send without recipient: want 400, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeResp(t, rr, &resp)
	if resp.Success || resp.Error == "" {
		t.Errorf("error shape: %+v", resp)
	}
}

func TestHTTP_Send_InvalidJSON(t *testing.T) {
	h := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/api/messages", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid json: want 400, got %d", rr.Code)
	}
}

// ─── Pull validation ─────────────────────────────────────────────────────────

func TestHTTP_GetMessages_MissingRecipient(t *testing.T) {
	h := newTestServer(t, nil)
	rr := doRequest(t, h, "GET", "/api/messages", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d — body: %s", rr.Code, rr.Body)
	}
}

func TestHTTP_GetMessages_BadStatusFilter(t *testing.T) {
	h := newTestServer(t, nil)
	rr := doRequest(t, h, "GET", "/api/messages?recipient=x&status=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d — body: %s", rr.Code, rr.Body)
	}
}

// ─── Ack validation ──────────────────────────────────────────────────────────

func TestHTTP_MarkRead_UnknownID(t *testing.T) {
	h := newTestServer(t, nil)
	rr := doRequest(t, h, "POST", "/api/messages/no_such_id/read", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeResp(t, rr, &resp)
	if resp.Success || resp.Error != "message not found" {
		t.Errorf("error shape: %+v", resp)
	}
}

func TestHTTP_MarkRead_Idempotent(t *testing.T) {
	h := newTestServer(t, nil)
	id := sendMessage(t, h, "a", "b", "x")

	for i := 0; i < 2; i++ {
		rr := doRequest(t, h, "POST", fmt.Sprintf("/api/messages/%s/read", id), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("markRead attempt %d: want 200, got %d", i+1, rr.Code)
		}
	}
}

// ─── Status + connections ────────────────────────────────────────────────────

func TestHTTP_Status(t *testing.T) {
	h := newTestServer(t, nil)
	sendMessage(t, h, "a", "b", "one")
	sendMessage(t, h, "a", "c", "two")

	rr := doRequest(t, h, "GET", "/api/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d", rr.Code)
	}
	var resp struct {
		Success       bool   `json:"success"`
		Status        string `json:"status"`
		UnreadCount   int    `json:"unread_count"`
		ConnectedBots int    `json:"connected_bots"`
		NodeID        string `json:"node_id"`
	}
	decodeResp(t, rr, &resp)
	if !resp.Success || resp.Status != "running" {
		t.Errorf("status body: %+v", resp)
	}
	if resp.UnreadCount != 2 {
		t.Errorf("unread_count: want 2, got %d", resp.UnreadCount)
	}
	if resp.ConnectedBots != 0 {
		t.Errorf("connected_bots: want 0, got %d", resp.ConnectedBots)
	}
	if resp.NodeID != "test-node" {
		t.Errorf("node_id: want test-node, got %s", resp.NodeID)
	}
}

func TestHTTP_Connections_Empty(t *testing.T) {
	h := newTestServer(t, nil)
	rr := doRequest(t, h, "GET", "/api/connections", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("connections: want 200, got %d", rr.Code)
	}
	var resp struct {
		Bots []string `json:"bots"`
	}
	decodeResp(t, rr, &resp)
	if len(resp.Bots) != 0 {
		t.Errorf("bots: want none, got %v", resp.Bots)
	}
}

// ─── Retention sweep ─────────────────────────────────────────────────────────

func TestHTTP_Purge_OnlyReadMessages(t *testing.T) {
	h := newTestServer(t, nil)
	id := sendMessage(t, h, "a", "b", "will be read")
	sendMessage(t, h, "a", "b", "stays unread")

	doRequest(t, h, "POST", fmt.Sprintf("/api/messages/%s/read", id), nil)

	// Default cutoff (7 days): freshly read messages survive.
	rr := doRequest(t, h, "DELETE", "/api/messages", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("purge: want 200, got %d", rr.Code)
	}
	var resp struct {
		Success      bool `json:"success"`
		DeletedCount int  `json:"deleted_count"`
	}
	decodeResp(t, rr, &resp)
	if resp.DeletedCount != 0 {
		t.Errorf("deleted_count with default cutoff: want 0, got %d", resp.DeletedCount)
	}

	// Unread messages are never purged by the sweep.
	rr = doRequest(t, h, "GET", "/api/messages?recipient=b&status=all", nil)
	var pull struct {
		Count int `json:"count"`
	}
	decodeResp(t, rr, &pull)
	if pull.Count != 2 {
		t.Errorf("messages after purge: want 2, got %d", pull.Count)
	}
}

// ─── Middleware ──────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "sekrit"
	})

	// No key: rejected.
	rr := doRequest(t, h, "GET", "/api/status", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", rr.Code)
	}

	// Wrong key: rejected.
	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: want 401, got %d", rr.Code)
	}

	// Correct key: accepted.
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-Api-Key", "sekrit")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("correct key: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	h := newTestServer(t, nil)
	req := httptest.NewRequest("OPTIONS", "/api/messages", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight: want 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight: missing Access-Control-Allow-Origin")
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.RPS = 1
		cfg.RateLimit.Burst = 2
	})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rr := doRequest(t, h, "GET", "/health", nil)
		codes = append(codes, rr.Code)
	}
	// Burst of 2 allowed, the rest rejected.
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first two requests should pass: %v", codes)
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("fourth request: want 429, got %v", codes)
	}
}

// ─── Metrics endpoint ────────────────────────────────────────────────────────

func TestHTTP_MetricsExposed(t *testing.T) {
	h := newTestServer(t, nil)
	sendMessage(t, h, "a", "b", "x")

	rr := doRequest(t, h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("botbridge_messages_stored_total")) {
		t.Errorf("metrics output missing stored counter:\n%s", rr.Body)
	}
}

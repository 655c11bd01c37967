package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nevindra/oasis"
)

// Server exposes the Gateway's HTTP surface (spec §4.2). Content type is
// JSON; every error body carries {error_kind, message, retry_after?}.
type Server struct {
	gw  *Gateway
	mux *http.ServeMux
}

// NewServer wires the gateway's HTTP handlers onto a fresh ServeMux.
func NewServer(gw *Gateway) *Server {
	s := &Server{gw: gw, mux: http.NewServeMux()}
	s.mux.HandleFunc("/send", s.handleSend)
	s.mux.HandleFunc("/messages", s.handleMessages)
	s.mux.HandleFunc("/bots", s.handleBots)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// ListenAndServe starts an HTTP server on addr using the gateway's routes,
// shutting down gracefully when ctx is done (spec §5 shutdown order:
// Gateway closes subscriptions and bot connections after the HTTP surface
// stops accepting new work).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type sendBody struct {
	Bot       string `json:"bot"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only", 0)
		return
	}
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", err.Error(), 0)
		return
	}
	msgID, err := s.gw.Send(r.Context(), SendRequest{
		Bot: body.Bot, ChannelID: body.ChannelID, Content: body.Content, ReplyTo: body.ReplyTo,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": msgID})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.gw.Messages(r.Context(), q.Get("bot"), q.Get("channel_id"), limit, q.Get("before"))
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type botInfo struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	var out []botInfo
	for _, b := range s.gw.Bots() {
		out = append(out, botInfo{ID: b.ID, UserID: b.UserID, DisplayName: b.DisplayName, State: string(b.State())})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type identityHealth struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		DropCount uint64 `json:"drop_count"`
	}
	var out []identityHealth
	for _, b := range s.gw.Bots() {
		out = append(out, identityHealth{ID: b.ID, State: string(b.State()), DropCount: b.DropCount()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": out})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, kind, message string, retryAfter time.Duration) {
	body := map[string]any{"error_kind": kind, "message": message}
	if retryAfter > 0 {
		body["retry_after"] = retryAfter.Seconds()
	}
	writeJSON(w, code, body)
}

// writeGatewayError maps a taxonomy error (errors.go) to the HTTP status
// codes documented in spec §6.
func writeGatewayError(w http.ResponseWriter, err error) {
	var cfgErr *oasis.ConfigError
	var rl *oasis.RateLimited
	var perm *oasis.PermissionDenied
	var transport *oasis.TransportError
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusNotFound, "unknown_bot", err.Error(), 0)
	case errors.As(err, &rl):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), rl.RetryAfter)
	case errors.As(err, &perm):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), 0)
	case errors.As(err, &transport):
		writeError(w, http.StatusServiceUnavailable, "transport", err.Error(), 0)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), 0)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/aiwave/internal/bookings"
	"github.com/antoniostano/aiwave/internal/business"
	"github.com/antoniostano/aiwave/internal/config"
	"github.com/antoniostano/aiwave/internal/observability"
	"github.com/antoniostano/aiwave/internal/protocol"
	"github.com/antoniostano/aiwave/internal/session"
)

const callWSPath = "/v1/calls/ws"

type Orchestrator interface {
	RunConnection(ctx context.Context, call *session.Call, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	calls        *session.Manager
	bookings     bookings.Store
	orchestrator Orchestrator
	metrics      *observability.Metrics
	logger       *log.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, calls *session.Manager, store bookings.Store, orchestrator Orchestrator, metrics *observability.Metrics, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:          cfg,
		calls:        calls,
		bookings:     store,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a caller's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/businesses", s.handleListBusinesses)
	r.Get("/v1/bookings", s.handleListBookings)

	r.Post("/v1/calls", s.handleCreateCall)
	r.Get(callWSPath, s.handleCallWS)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Post("/v1/calls/{id}/end", s.handleEndCall)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "orchestrator not configured",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"transport": s.cfg.RemoteTransport,
	})
}

func (s *Server) handleListBusinesses(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"businesses": business.All()})
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	if s.bookings == nil {
		respondJSON(w, http.StatusOK, map[string]any{"bookings": []bookings.Record{}})
		return
	}
	limit := s.cfg.BookingsRecentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.bookings.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing bookings failed", "err", err)
		respondError(w, http.StatusInternalServerError, "bookings_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []bookings.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"bookings": records})
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		respondError(w, http.StatusBadRequest, "missing_business_id", "business_id is required")
		return
	}
	profile, err := business.Lookup(req.BusinessID)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown_business", err.Error())
		return
	}

	call := s.calls.Create(profile.ID)
	s.metrics.ObserveCallEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		CallID:          call.ID,
		BusinessID:      profile.ID,
		BusinessName:    profile.Name,
		Status:          call.Status,
		StartedAt:       call.StartedAt,
		InactivityTTLMS: s.calls.InactivityTimeout().Milliseconds(),
		WebsocketPath:   callWSPath + "?call_id=" + url.QueryEscape(call.ID),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.calls.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	var req session.EndRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator"
	}

	call, err := s.calls.End(id, reason)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	s.metrics.ObserveCallEvent("ended_by_api")
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "missing_call_id", "query parameter call_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	call, err := s.calls.Get(callID)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if call.Status == session.StatusEnded {
		respondError(w, http.StatusGone, "call_ended", session.ErrEnded.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveCallEvent("ws_connected")
	logger := s.logger.With("call_id", callID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		// The socket stays open until the orchestrator has flushed its
		// closing events.
		defer cancel()
		if err := s.orchestrator.RunConnection(ctx, call, inbound, outbound); err != nil {
			logger.Warn("call connection failed", "err", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				drainOutbound(conn, outbound, s.metrics)
				return
			case msg := <-outbound:
				if !writeMessage(conn, msg, s.metrics) {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	go func() {
		<-ctx.Done()
		// Unblock ReadMessage when the call ends server side.
		_ = conn.SetReadDeadline(time.Now())
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				CallID: callID,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Outbound queue saturated; writes stay single threaded.
				s.metrics.ObserveDroppedFrame("outbound_full")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
		time.Now().Add(time.Second),
	)
	s.metrics.ObserveCallEvent("ws_disconnected")
}

func writeMessage(conn *websocket.Conn, msg any, metrics *observability.Metrics) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		metrics.ObserveDroppedFrame("ws_write_error")
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		metrics.ObserveWSMessage("outbound", string(t))
	}
	return true
}

// drainOutbound flushes events already queued when the call ended.
func drainOutbound(conn *websocket.Conn, outbound <-chan any, metrics *observability.Metrics) {
	for {
		select {
		case msg := <-outbound:
			if !writeMessage(conn, msg, metrics) {
				return
			}
		default:
			return
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.Transcript:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.PlaybackStop:
		return m.Type, true
	case protocol.BookingConfirmed:
		return m.Type, true
	case protocol.TransferRequested:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

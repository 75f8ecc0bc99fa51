// Package server exposes the synchronizer over HTTP and WebSocket: request/
// response endpoints for joining, submitting actions, and syncing, plus a
// persistent per-client connection fed by the broadcast hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	gamesync "github.com/cardroom/go-game-sync"
	"github.com/cardroom/go-game-sync/broadcast"
	"github.com/cardroom/go-game-sync/engine"
	"github.com/cardroom/go-game-sync/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the engine, the hub, and the HTTP surface together.
type Server struct {
	engine *engine.Engine
	hub    *broadcast.Hub
	logger *logging.Logger
	http   *http.Server
}

// joinRequest asks to enter a session, creating it if needed.
type joinRequest struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

// New builds a server around an engine and hub.
func New(addr string, eng *engine.Engine, hub *broadcast.Hub) *Server {
	s := &Server{
		engine: eng,
		hub:    hub,
		logger: logging.WithComponent("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /join", s.handleJoin)
	mux.HandleFunc("POST /action", s.handleAction)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.ParticipantID == "" {
		http.Error(w, "sessionId and participantId are required", http.StatusBadRequest)
		return
	}

	state, cs, err := s.engine.CurrentState(r.Context(), req.SessionID)
	if errors.Is(err, gamesync.ErrSessionNotFound) {
		state, err = s.engine.CreateSession(r.Context(), req.SessionID)
		if err == nil {
			_, cs, err = s.engine.CurrentState(r.Context(), req.SessionID)
		}
	}
	if err != nil {
		s.logger.LogError(r.Context(), err, "join failed", slog.String("session_id", req.SessionID))
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, gamesync.StateUpdateMsg{
		Version:  state.Version,
		Checksum: cs,
		State:    state,
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var msg gamesync.ActionSubmitMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.processAction(r.Context(), msg))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var msg gamesync.SyncRequestMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.SyncClient(r.Context(), msg.SessionID, msg.ClientVersion)
	if err != nil {
		s.logger.LogError(r.Context(), err, "sync failed", slog.String("session_id", msg.SessionID))
		http.Error(w, "sync unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res.ToMsg())
}

// handleWS upgrades to the persistent connection: the hub pushes state
// updates, and the read loop accepts the same action and sync messages as the
// HTTP endpoints, framed in envelopes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	participantID := r.URL.Query().Get("participantId")
	if sessionID == "" || participantID == "" {
		http.Error(w, "sessionId and participantId are required", http.StatusBadRequest)
		return
	}
	clientVersion, _ := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.LogError(r.Context(), err, "websocket upgrade failed")
		return
	}

	conn := broadcast.NewWebsocketConn(ws)
	s.hub.Register(sessionID, participantID, conn, clientVersion)
	defer s.hub.Unregister(sessionID, participantID)

	logger := s.logger.WithSession(sessionID)
	logger.Info("client connected",
		slog.String("participant_id", participantID),
		slog.Int64("client_version", clientVersion),
	)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("client connection dropped",
					slog.String("participant_id", participantID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		s.handleEnvelope(r.Context(), conn, sessionID, participantID, data, logger)
	}
}

func (s *Server) handleEnvelope(ctx context.Context, conn broadcast.Conn, sessionID, participantID string, data []byte, logger *logging.Logger) {
	env, inner, err := broadcast.DecodeEnvelope(data)
	if err != nil {
		logger.Warn("undecodable message dropped", slog.String("error", err.Error()))
		return
	}

	switch env.Type {
	case gamesync.MsgActionSubmit:
		var msg gamesync.ActionSubmitMsg
		if err := json.Unmarshal(inner, &msg); err != nil {
			logger.Warn("bad action_submit payload", slog.String("error", err.Error()))
			return
		}
		msg.SessionID = sessionID
		msg.ParticipantID = participantID
		s.writeEnvelope(ctx, conn, gamesync.MsgActionResult, s.processAction(ctx, msg), logger)

	case gamesync.MsgSyncRequest:
		var msg gamesync.SyncRequestMsg
		if err := json.Unmarshal(inner, &msg); err != nil {
			logger.Warn("bad sync_request payload", slog.String("error", err.Error()))
			return
		}
		res, err := s.engine.SyncClient(ctx, sessionID, msg.ClientVersion)
		if err != nil {
			logger.LogError(ctx, err, "sync failed")
			return
		}
		if res.Status == gamesync.SyncFullState || res.Status == gamesync.SyncUpToDate {
			s.hub.ClearDesynced(sessionID, participantID, res.ServerVersion)
		}
		s.writeEnvelope(ctx, conn, gamesync.MsgSyncResult, res.ToMsg(), logger)

	default:
		logger.Warn("unexpected message type", slog.String("type", env.Type))
	}
}

func (s *Server) processAction(ctx context.Context, msg gamesync.ActionSubmitMsg) gamesync.ActionResultMsg {
	action := msg.Action
	if action.ID == "" {
		action.ID = msg.ActionID
	}
	if action.ClientTimestamp.IsZero() {
		action.ClientTimestamp = msg.ClientTimestamp
	}

	res, err := s.engine.ProcessAction(ctx, msg.SessionID, msg.ParticipantID, action)
	if err != nil {
		s.logger.LogError(ctx, err, "action processing failed",
			slog.String("session_id", msg.SessionID),
			slog.String("action_id", action.ID),
		)
		return gamesync.ActionResultMsg{
			ActionID:  action.ID,
			Reason:    err.Error(),
			Retryable: true,
		}
	}
	return res.ToMsg(action.ID)
}

func (s *Server) writeEnvelope(ctx context.Context, conn broadcast.Conn, msgType string, inner any, logger *logging.Logger) {
	data, err := broadcast.EncodeEnvelope(msgType, inner, 0)
	if err != nil {
		logger.LogError(ctx, err, "encode response", slog.String("type", msgType))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.Warn("response write failed", slog.String("type", msgType), slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

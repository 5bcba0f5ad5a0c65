// Package syncapi exposes the live scene of a session over HTTP, with a
// websocket stream of store changes.
package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"arena-scenesync/internal/health"
	"arena-scenesync/internal/message"
	"arena-scenesync/internal/scene"
	"arena-scenesync/internal/session"
	"arena-scenesync/internal/transport"
)

const maxPublishBody = 1 << 20

// Backend is the session surface the API needs.
type Backend interface {
	Store() *scene.Store
	Health() *health.Registry
	State() session.State
	Identity() session.Identity
	Publish(ctx context.Context, v message.Variant) error
}

// MeshInfo is implemented by peer-to-peer transports.
type MeshInfo interface {
	PeerID() string
	ListenAddrs() []string
	ConnectedPeers() []string
}

type Server struct {
	backend  Backend
	mesh     MeshInfo
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type Option func(*Server)

// WithMesh adds the local peer and its connections to the health report.
func WithMesh(m MeshInfo) Option {
	return func(s *Server) { s.mesh = m }
}

func NewServer(backend Backend, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		backend: backend,
		logger:  logger.Named("syncapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/scene/objects", s.handleObjects)
	mux.HandleFunc("/api/scene/objects/", s.handleObject)
	mux.HandleFunc("/api/scene/health", s.handleHealth)
	mux.HandleFunc("/api/scene/publish", s.handlePublish)
	mux.HandleFunc("/api/scene/stream", s.handleStream)
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	objects := s.backend.Store().List()
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects, "count": len(objects)})
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/scene/objects/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "object id is required")
		return
	}
	obj, ok := s.backend.Store().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	reg := s.backend.Health()
	status := http.StatusOK
	if !reg.Healthy() {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"state":    s.backend.State().String(),
		"healthy":  reg.Healthy(),
		"errors":   reg.Active(),
		"identity": s.backend.Identity(),
		"objects":  s.backend.Store().Len(),
	}
	if s.mesh != nil {
		body["mesh"] = map[string]any{
			"peer_id":      s.mesh.PeerID(),
			"listen_addrs": s.mesh.ListenAddrs(),
			"peers":        s.mesh.ConnectedPeers(),
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	wire, err := message.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := message.Validate(wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.backend.Publish(r.Context(), v); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidState):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Warn("publish failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "publish failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"object_id": v.Target(), "action": v.Action()})
}

type streamMessage struct {
	Type    string         `json:"type"`
	Objects []scene.Object `json:"objects,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Object  *scene.Object  `json:"object,omitempty"`
}

const streamWriteTimeout = 5 * time.Second

// handleStream sends a snapshot of the scene followed by every change until
// the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	changes, cancel := s.backend.Store().Watch()
	defer cancel()

	write := func(msg streamMessage) bool {
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Warn("marshal stream message", zap.Error(err))
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	if !write(streamMessage{Type: "snapshot", Objects: s.backend.Store().List()}) {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			obj := c.Object
			if !write(streamMessage{Type: "change", Kind: string(c.Kind), Object: &obj}) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

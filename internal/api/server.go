// Package api is the HTTP boundary: queue inspection and management, key
// directory CRUD, and a health probe. It is a thin layer over the injected
// stores; all state lives in them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cipherwire/cipherwire/internal/identity"
	"github.com/cipherwire/cipherwire/internal/keydir"
	"github.com/cipherwire/cipherwire/internal/metrics"
	"github.com/cipherwire/cipherwire/internal/queue"
)

// Presence is the view of the relay manager the API needs.
type Presence interface {
	ConnectionCount() int
	IsOnline(addr string) bool
}

type Server struct {
	queue     *queue.Queue
	keys      *keydir.Directory
	presence  Presence
	metrics   *metrics.Metrics
	log       *slog.Logger
	startedAt time.Time
	now       func() time.Time
}

type Config struct {
	Queue    *queue.Queue
	Keys     *keydir.Directory
	Presence Presence
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		queue:     cfg.Queue,
		keys:      cfg.Keys,
		presence:  cfg.Presence,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		startedAt: cfg.Now(),
		now:       cfg.Now,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleMetrics)
	mux.HandleFunc("GET /api/messages/stats/all", s.handleQueueStats)
	mux.HandleFunc("GET /api/messages/{address}", s.handleMessages)
	mux.HandleFunc("GET /api/messages/{address}/queue-size", s.handleQueueSize)
	mux.HandleFunc("DELETE /api/messages/{address}", s.handleClearQueue)
	mux.HandleFunc("POST /api/keys", s.handleStoreKey)
	mux.HandleFunc("POST /api/keys/batch", s.handleBatchKeys)
	mux.HandleFunc("GET /api/keys/{address}", s.handleGetKey)
	mux.HandleFunc("DELETE /api/keys/{address}", s.handleDeleteKey)
	return mux
}

// Start serves the API on listenAddr and returns a shutdown func.
func (s *Server) Start(listenAddr string) (func(context.Context) error, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", "err", err)
		}
	}()
	s.log.Info("api listening", "addr", listener.Addr())
	return server.Shutdown, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptimeSec":       int64(now.Sub(s.startedAt) / time.Second),
		"liveConnections": s.presence.ConnectionCount(),
		"queuedMessages":  s.queue.TotalSize(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleMessages drains the queue, or peeks without draining when a limit
// is given. The REST drain is the reconnect backfill path.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var msgs []queue.Message
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		msgs = s.queue.Peek(addr, limit)
	} else {
		msgs = s.queue.Dequeue(addr)
	}
	if msgs == nil {
		msgs = []queue.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  addr,
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *Server) handleQueueSize(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   addr,
		"queueSize": s.queue.Size(addr),
		"online":    s.presence.IsOnline(addr),
	})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr,
		"cleared": s.queue.Clear(addr),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleStoreKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address   string `json:"address"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !identity.Valid(body.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	rec, err := s.keys.Store(body.Address, body.PublicKey)
	if err != nil {
		if errors.Is(err, keydir.ErrEmptyKey) {
			writeError(w, http.StatusBadRequest, "publicKey must be a non-empty string")
			return
		}
		s.log.Error("key store failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	rec, found := s.keys.Get(addr)
	if !found {
		writeError(w, http.StatusNotFound, "no key for address")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBatchKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Addresses []string `json:"addresses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for _, a := range body.Addresses {
		if !identity.Valid(a) {
			writeError(w, http.StatusBadRequest, "invalid address: "+a)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": s.keys.GetMultiple(body.Addresses),
	})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr,
		"deleted": s.keys.Delete(addr),
	})
}

// pathAddress validates and normalizes the {address} path segment,
// answering 400 itself when the value is malformed.
func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr, err := identity.Normalize(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "address must match ^0x[a-fA-F0-9]{40}$")
		return "", false
	}
	return addr, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

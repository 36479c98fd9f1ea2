// Copyright 2024 The mqtt-multi-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin provides the REST and WebSocket facade over the config
// store, the connection manager's status and the observer message bus.
// Every endpoint translates directly into a store operation or a bus
// subscription; the package holds no state of its own.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erikarenhill/mqtt-multi-proxy/pkg/bus"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/client"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/crypto"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/storage"
)

const (
	probeTimeout   = 5 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsBacklog      = 256
)

// Server is the admin HTTP server.
type Server struct {
	store      *storage.Store
	manager    *proxy.Manager
	registry   *metrics.Registry
	bus        *bus.Bus
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the admin facade over the given components.
func NewServer(addr string, store *storage.Store, manager *proxy.Manager, registry *metrics.Registry, b *bus.Bus) *Server {
	s := &Server{
		store:    store,
		manager:  manager,
		registry: registry,
		bus:      b,
		upgrader: websocket.Upgrader{
			// The dashboard is served from arbitrary origins in dev setups.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/brokers", s.handleBrokers)
	mux.HandleFunc("/api/brokers/", s.handleBrokerByID)
	mux.HandleFunc("/api/settings/main-broker", s.handleMainBroker)
	mux.HandleFunc("/api/settings/main-broker/test", s.handleMainBrokerTest)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws/messages", s.handleMessagesWS)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the admin API. A bind failure is returned
// to the caller, which treats it as fatal.
func (s *Server) ListenAndServe() error {
	log.Printf("Admin API listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// brokerPayload is the request body for create and update calls.
type brokerPayload struct {
	Name               string   `json:"name"`
	Address            string   `json:"address"`
	Port               int      `json:"port"`
	ClientIDPrefix     string   `json:"clientIdPrefix"`
	Username           string   `json:"username"`
	Password           string   `json:"password"`
	Enabled            *bool    `json:"enabled"`
	UseTLS             bool     `json:"useTls"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify"`
	Bidirectional      bool     `json:"bidirectional"`
	Topics             []string `json:"topics"`
	SubscriptionTopics []string `json:"subscriptionTopics"`
}

func (p brokerPayload) toRecord() storage.BrokerRecord {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return storage.BrokerRecord{
		Name:               p.Name,
		Address:            p.Address,
		Port:               p.Port,
		ClientIDPrefix:     p.ClientIDPrefix,
		Username:           p.Username,
		Password:           p.Password,
		Enabled:            enabled,
		UseTLS:             p.UseTLS,
		InsecureSkipVerify: p.InsecureSkipVerify,
		Bidirectional:      p.Bidirectional,
		Topics:             p.Topics,
		SubscriptionTopics: p.SubscriptionTopics,
	}
}

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"brokers": s.store.List()})
	case http.MethodPost:
		var payload brokerPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := s.store.Create(payload.toRecord())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleBrokerByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/brokers/")

	if id, ok := strings.CutSuffix(rest, "/toggle"); ok {
		s.handleToggle(w, r, id)
		return
	}

	id := rest
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.store.Get(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPut:
		var payload brokerPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		updated, err := s.store.Update(id, payload.toRecord())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.store.Delete(id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetEnabled(id, body.Enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// mainBrokerPayload is the request body for main broker settings.
type mainBrokerPayload struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleMainBroker(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, ok := s.store.MainBrokerForAPI()
		if !ok {
			writeError(w, http.StatusNotFound, "main broker not configured")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var payload mainBrokerPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		err := s.store.SetMainBroker(storage.MainBrokerSettings{
			Address:  payload.Address,
			Port:     payload.Port,
			ClientID: payload.ClientID,
			Username: payload.Username,
			Password: payload.Password,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		settings, _ := s.store.MainBrokerForAPI()
		writeJSON(w, http.StatusOK, settings)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleMainBrokerTest dials the supplied settings once without
// persisting anything.
func (s *Server) handleMainBrokerTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload mainBrokerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The sentinel means "test with the stored credential".
	password := payload.Password
	if crypto.IsPlaceholder(password) {
		if stored, ok := s.store.MainBroker(); ok {
			password = stored.Password
		}
	}

	clientID := payload.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("proxy-test-%d", time.Now().UnixNano())
	}

	err := client.Probe(client.Options{
		Name:     "connection-test",
		Address:  payload.Address,
		Port:     payload.Port,
		ClientID: clientID,
		Username: payload.Username,
		Password: password,
	}, probeTimeout)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// statusResponse is the GET /api/status body.
type statusResponse struct {
	Brokers                []proxy.BrokerStatus `json:"brokers"`
	TotalMessagesReceived  uint64               `json:"total_messages_received"`
	TotalMessagesForwarded uint64               `json:"total_messages_forwarded"`
	AvgLatencyMs           float64              `json:"avg_latency_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	brokers := s.manager.Status()
	if brokers == nil {
		brokers = []proxy.BrokerStatus{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Brokers:                brokers,
		TotalMessagesReceived:  s.registry.TotalReceived(),
		TotalMessagesForwarded: s.registry.TotalForwarded(),
		AvgLatencyMs:           s.registry.AvgLatencyMs(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleMessagesWS upgrades to a WebSocket and streams observed messages
// until the client goes away. A slow client loses its oldest backlog
// entries rather than stalling the proxy.
func (s *Server) handleMessagesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[INFO] WebSocket observer connected from %s", conn.RemoteAddr())

	sub := s.bus.Subscribe(wsBacklog)
	defer sub.Close()

	// Reader goroutine: surfaces client disconnects.
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
			log.Printf("[INFO] WebSocket observer disconnected")
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("[INFO] WebSocket observer write failed: %v", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[WARN] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps typed store errors onto HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

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

// Package proxy contains the connection manager: the owner of all live
// broker connections. It reconciles the live set against the config
// store's change stream, fans inbound main-broker messages out to
// matching downstream brokers, forwards bidirectional traffic back
// upstream, and suppresses loops by fingerprinting recently forwarded
// messages.
package proxy

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erikarenhill/mqtt-multi-proxy/pkg/bus"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/client"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/storage"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/topic"
)

// MainClientID labels messages observed on the main broker connection.
const MainClientID = "main"

// teardownTimeout bounds the graceful disconnect of a replaced or removed
// client before it is force-closed.
const teardownTimeout = 2 * time.Second

// BrokerStatus is the per-broker view exposed on the status surface.
type BrokerStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
	Enabled   bool   `json:"enabled"`
}

// liveConn is the runtime state for one downstream broker: the client
// instance, the record snapshot it was built from, and the generation
// guarding against events from torn-down predecessors.
type liveConn struct {
	rec        storage.BrokerRecord
	cli        *client.Client
	generation uint64
}

// Manager owns the set of downstream clients and the main broker client.
type Manager struct {
	store    *storage.Store
	bus      *bus.Bus
	registry *metrics.Registry

	mu    sync.RWMutex
	conns map[string]*liveConn

	mainMu     sync.RWMutex
	mainClient *client.Client
	mainGen    uint64

	fingerprints *fingerprintSet
	generation   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager over the given store, bus and metrics
// registry.
func NewManager(store *storage.Store, b *bus.Bus, registry *metrics.Registry) *Manager {
	return &Manager{
		store:        store,
		bus:          b,
		registry:     registry,
		conns:        make(map[string]*liveConn),
		fingerprints: newFingerprintSet(fingerprintCapacity, fingerprintTTL),
	}
}

// Start seeds the live set from the store, connects the main broker
// client when settings exist, and begins consuming the change stream.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	events := m.store.Subscribe(64)

	for _, rec := range m.store.ListWithPasswords() {
		if rec.Enabled {
			m.spawn(rec)
		}
	}
	m.warnMultipleBidirectional()

	if settings, ok := m.store.MainBroker(); ok {
		m.startMain(settings)
	} else {
		log.Printf("[WARN] No main broker configured, fanout idle until settings are saved")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconcileLoop(events)
	}()

	log.Printf("[INFO] Connection manager started with %d live broker(s)", m.liveCount())
}

// Shutdown drains all clients in parallel and waits for the manager's
// goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.cancel()

	m.mu.Lock()
	conns := make([]*liveConn, 0, len(m.conns))
	for id, lc := range m.conns {
		conns = append(conns, lc)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	m.mainMu.Lock()
	mc := m.mainClient
	m.mainClient = nil
	m.mainMu.Unlock()

	var wg sync.WaitGroup
	for _, lc := range conns {
		wg.Add(1)
		go func(lc *liveConn) {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
			defer cancel()
			_ = lc.cli.Shutdown(shutdownCtx)
		}(lc)
	}
	if mc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
			defer cancel()
			_ = mc.Shutdown(shutdownCtx)
		}()
	}
	wg.Wait()
	m.wg.Wait()

	log.Printf("[INFO] Connection manager stopped")
}

// Status merges the stored records with the live connection states. Every
// record appears; disabled or reconnecting brokers report connected=false.
func (m *Manager) Status() []BrokerStatus {
	records := m.store.List()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BrokerStatus, 0, len(records))
	for _, rec := range records {
		connected := false
		if lc, ok := m.conns[rec.ID]; ok {
			connected = lc.cli.Connected()
		}
		out = append(out, BrokerStatus{
			ID:        rec.ID,
			Name:      rec.Name,
			Address:   rec.Address,
			Port:      rec.Port,
			Connected: connected,
			Enabled:   rec.Enabled,
		})
	}
	return out
}

// MainConnected reports whether the main broker connection is live.
func (m *Manager) MainConnected() bool {
	m.mainMu.RLock()
	defer m.mainMu.RUnlock()
	return m.mainClient != nil && m.mainClient.Connected()
}

// reconcileLoop applies store change events to the live set.
func (m *Manager) reconcileLoop(events <-chan storage.ChangeEvent) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-events:
			m.apply(ev)
		}
	}
}

// apply performs one reconcile step. Applying the same event twice leaves
// the live set unchanged.
func (m *Manager) apply(ev storage.ChangeEvent) {
	switch ev.Kind {
	case storage.KindCreated, storage.KindUpdated:
		m.applyRecord(ev.Record)
	case storage.KindDeleted:
		m.remove(ev.ID)
	case storage.KindMainUpdated:
		m.replaceMain(ev.Main)
	}
	m.warnMultipleBidirectional()
}

func (m *Manager) applyRecord(rec storage.BrokerRecord) {
	if !rec.Enabled {
		m.remove(rec.ID)
		return
	}

	m.mu.RLock()
	existing := m.conns[rec.ID]
	m.mu.RUnlock()

	if existing == nil {
		m.spawn(rec)
		return
	}

	if connectionAffecting(existing.rec, rec) {
		log.Printf("[INFO] Broker '%s' connection settings changed, replacing client", rec.Name)
		m.remove(rec.ID)
		m.spawn(rec)
		return
	}

	// Filter-only change: update the snapshot and reissue subscriptions
	// on the existing session.
	m.mu.Lock()
	lc := m.conns[rec.ID]
	if lc != nil {
		lc.rec = rec
	}
	m.mu.Unlock()

	if lc != nil {
		lc.cli.SetSubscriptions(effectiveSubscriptions(rec))
	}
}

// connectionAffecting reports whether the change between two record
// snapshots requires a reconnect rather than a subscription update.
func connectionAffecting(old, next storage.BrokerRecord) bool {
	return old.Address != next.Address ||
		old.Port != next.Port ||
		old.Username != next.Username ||
		old.Password != next.Password ||
		old.UseTLS != next.UseTLS ||
		old.InsecureSkipVerify != next.InsecureSkipVerify ||
		old.ClientIDPrefix != next.ClientIDPrefix
}

// effectiveSubscriptions resolves the filter set a downstream client
// subscribes to. Explicit subscription topics win; a bidirectional broker
// without them falls back to its fanout filters; everything else
// subscribes to '#' so observers still see the broker's traffic.
func effectiveSubscriptions(rec storage.BrokerRecord) []string {
	if len(rec.SubscriptionTopics) > 0 {
		return rec.SubscriptionTopics
	}
	if rec.Bidirectional && len(rec.Topics) > 0 {
		return rec.Topics
	}
	return []string{"#"}
}

// spawn builds, registers and starts a client for an enabled record.
func (m *Manager) spawn(rec storage.BrokerRecord) {
	gen := m.generation.Add(1)
	brokerID := rec.ID

	cli := client.New(client.Options{
		Name:               rec.Name,
		Address:            rec.Address,
		Port:               rec.Port,
		ClientID:           client.FormatClientID(rec.ClientIDPrefix, rec.ID),
		Username:           rec.Username,
		Password:           rec.Password,
		UseTLS:             rec.UseTLS,
		InsecureSkipVerify: rec.InsecureSkipVerify,
		Subscriptions:      effectiveSubscriptions(rec),
		Generation:         gen,
		OnDropped:          func() { m.registry.RecordDropped(brokerID) },
	})

	lc := &liveConn{rec: rec, cli: cli, generation: gen}

	m.mu.Lock()
	m.conns[rec.ID] = lc
	m.mu.Unlock()

	cli.Start()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consumeDownstream(lc)
	}()

	log.Printf("[INFO] Broker '%s' client spawned (generation %d)", rec.Name, gen)
}

// remove tears down the live connection for id, if any.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	lc := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if lc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := lc.cli.Shutdown(ctx); err != nil {
		log.Printf("[WARN] Broker '%s' did not disconnect gracefully: %v", lc.rec.Name, err)
	}
	log.Printf("[INFO] Broker '%s' client removed", lc.rec.Name)
}

// startMain connects the upstream client and begins the fanout loop.
func (m *Manager) startMain(settings storage.MainBrokerSettings) {
	gen := m.generation.Add(1)

	mc := client.New(client.Options{
		Name:          "main",
		Address:       settings.Address,
		Port:          settings.Port,
		ClientID:      settings.ClientID,
		Username:      settings.Username,
		Password:      settings.Password,
		Subscriptions: []string{"#"},
		Generation:    gen,
		OnDropped:     func() { m.registry.RecordDropped(MainClientID) },
	})

	m.mainMu.Lock()
	m.mainClient = mc
	m.mainGen = gen
	m.mainMu.Unlock()

	mc.Start()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consumeMain(mc)
	}()

	log.Printf("[INFO] Main broker client started (%s:%d)", settings.Address, settings.Port)
}

// replaceMain tears down the current upstream client and dials the new
// settings.
func (m *Manager) replaceMain(settings storage.MainBrokerSettings) {
	m.mainMu.Lock()
	old := m.mainClient
	m.mainClient = nil
	m.mainMu.Unlock()

	if old != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		_ = old.Shutdown(ctx)
		cancel()
	}
	m.startMain(settings)
}

// consumeMain feeds inbound main-broker messages to the fanout stage in
// arrival order.
func (m *Manager) consumeMain(mc *client.Client) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-mc.Done():
			return
		case msg := <-mc.Inbound():
			m.mainMu.RLock()
			current := m.mainGen
			m.mainMu.RUnlock()
			if msg.Generation != current {
				continue
			}
			m.fanout(msg)
		}
	}
}

// fanout forwards one inbound main-broker message to every eligible
// downstream connection, sharing the payload slice across all publishes.
func (m *Manager) fanout(msg client.InboundMessage) {
	start := time.Now()

	if m.fingerprints.seenOrInsert(msg.Topic, msg.Payload) {
		// Echo of our own upstream publish looped back within the TTL.
		return
	}

	m.mu.RLock()
	conns := make([]*liveConn, 0, len(m.conns))
	for _, lc := range m.conns {
		conns = append(conns, lc)
	}
	m.mu.RUnlock()

	var forwarded uint64
	for _, lc := range conns {
		if !topic.MatchAny(lc.rec.Topics, msg.Topic) {
			continue
		}
		if !lc.cli.Connected() {
			m.registry.RecordDropped(lc.rec.ID)
			continue
		}
		if err := lc.cli.Publish(msg.Topic, msg.Payload, msg.QoS, false); err != nil {
			m.registry.RecordDropped(lc.rec.ID)
			continue
		}
		m.registry.RecordPublished(lc.rec.ID)
		forwarded++
	}

	m.bus.Publish(bus.Message{
		Timestamp: time.Now(),
		ClientID:  MainClientID,
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       msg.QoS,
		Retain:    msg.Retain,
	})

	m.registry.RecordReceived()
	m.registry.RecordForwarded(forwarded)
	m.registry.ObserveFanoutLatency(time.Since(start))
}

// consumeDownstream handles inbound messages from one downstream client
// instance until it terminates.
func (m *Manager) consumeDownstream(lc *liveConn) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-lc.cli.Done():
			return
		case msg := <-lc.cli.Inbound():
			m.handleDownstream(lc, msg)
		}
	}
}

// handleDownstream publishes a downstream broker's inbound message onto
// the observer bus and, for the designated bidirectional forwarder,
// re-publishes it to the main broker under the loop-suppression
// discipline.
func (m *Manager) handleDownstream(lc *liveConn, msg client.InboundMessage) {
	m.mu.RLock()
	current, ok := m.conns[lc.rec.ID]
	valid := ok && current.generation == msg.Generation
	var rec storage.BrokerRecord
	if valid {
		rec = current.rec
	}
	forwarder := m.upstreamForwarderLocked()
	m.mu.RUnlock()

	if !valid {
		// Stale callback from a replaced client instance.
		return
	}

	m.bus.Publish(bus.Message{
		Timestamp: time.Now(),
		ClientID:  rec.ID,
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       msg.QoS,
		Retain:    msg.Retain,
	})

	if !rec.Bidirectional || rec.ID != forwarder {
		return
	}

	if m.fingerprints.seenOrInsert(msg.Topic, msg.Payload) {
		// We just fanned this message out to this broker; forwarding it
		// back upstream would complete a loop.
		return
	}

	m.mainMu.RLock()
	mc := m.mainClient
	m.mainMu.RUnlock()
	if mc == nil || !mc.Connected() {
		m.registry.RecordDropped(MainClientID)
		return
	}

	if err := mc.Publish(msg.Topic, msg.Payload, msg.QoS, false); err != nil {
		m.registry.RecordDropped(MainClientID)
		return
	}
	m.registry.RecordPublished(MainClientID)
}

// upstreamForwarderLocked returns the id of the single bidirectional
// record allowed to forward upstream: the lowest id among bidirectional
// live connections. Callers hold at least the read lock.
func (m *Manager) upstreamForwarderLocked() string {
	forwarder := ""
	for id, lc := range m.conns {
		if !lc.rec.Bidirectional {
			continue
		}
		if forwarder == "" || id < forwarder {
			forwarder = id
		}
	}
	return forwarder
}

// warnMultipleBidirectional logs when more than one record requests
// upstream forwarding; only the lowest id actually forwards, the rest
// observe.
func (m *Manager) warnMultipleBidirectional() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bidis []*liveConn
	for _, lc := range m.conns {
		if lc.rec.Bidirectional {
			bidis = append(bidis, lc)
		}
	}
	if len(bidis) > 1 {
		sort.Slice(bidis, func(i, j int) bool { return bidis[i].rec.ID < bidis[j].rec.ID })
		names := make([]string, len(bidis))
		for i, lc := range bidis {
			names[i] = lc.rec.Name
		}
		log.Printf("[WARN] %d brokers are bidirectional (%v); only '%s' forwards upstream, the rest observe only",
			len(bidis), names, bidis[0].rec.Name)
	}
}

func (m *Manager) liveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

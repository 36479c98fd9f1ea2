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

package proxy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erikarenhill/mqtt-multi-proxy/pkg/bus"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/crypto"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/storage"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/testutil"
)

// received collects publishes observed on an embedded broker.
type received struct {
	mu   sync.Mutex
	msgs []packets.Packet
}

func (r *received) handler(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, pk)
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *received) last() packets.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

// observe subscribes a collector on an embedded broker.
func observe(t *testing.T, b *testutil.Broker, filter string) *received {
	t.Helper()
	r := &received{}
	require.NoError(t, b.Server.Subscribe(filter, 1, r.handler))
	return r
}

type fixture struct {
	store   *storage.Store
	bus     *bus.Bus
	reg     *metrics.Registry
	manager *Manager
	main    *testutil.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	main := testutil.StartBroker(t)

	store, err := storage.Open(filepath.Join(t.TempDir(), "brokers.json"), crypto.New("test"))
	require.NoError(t, err)
	require.NoError(t, store.SetMainBroker(storage.MainBrokerSettings{
		Address: "127.0.0.1", Port: main.Port, ClientID: "proxy-main-test",
	}))

	f := &fixture{
		store: store,
		bus:   bus.New(),
		reg:   metrics.NewRegistry(),
		main:  main,
	}
	f.manager = NewManager(store, f.bus, f.reg)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.manager.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.manager.Shutdown(ctx)
	})
}

func (f *fixture) addBroker(t *testing.T, name string, b *testutil.Broker, mutate func(*storage.BrokerRecord)) storage.BrokerRecord {
	t.Helper()
	draft := storage.BrokerRecord{
		Name:           name,
		Address:        "127.0.0.1",
		Port:           b.Port,
		ClientIDPrefix: "proxy",
		Enabled:        true,
	}
	if mutate != nil {
		mutate(&draft)
	}
	created, err := f.store.Create(draft)
	require.NoError(t, err)
	return created
}

func (f *fixture) waitConnected(t *testing.T, ids ...string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if f.allConnected(ids) && f.manager.MainConnected() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("brokers never connected: %+v", f.manager.Status())
}

func (f *fixture) allConnected(ids []string) bool {
	status := f.manager.Status()
	byID := make(map[string]BrokerStatus, len(status))
	for _, s := range status {
		byID[s.ID] = s
	}
	for _, id := range ids {
		if !byID[id].Connected {
			return false
		}
	}
	return true
}

func waitCount(t *testing.T, r *received, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %d", want, r.count())
}

func TestSimpleFanout(t *testing.T) {
	f := newFixture(t)
	down1 := testutil.StartBroker(t)
	down2 := testutil.StartBroker(t)
	b1 := f.addBroker(t, "B1", down1, nil)
	b2 := f.addBroker(t, "B2", down2, nil)

	f.start(t)
	f.waitConnected(t, b1.ID, b2.ID)

	got1 := observe(t, down1, "a/b")
	got2 := observe(t, down2, "a/b")

	require.NoError(t, f.main.Publish("a/b", []byte("hi"), false, 0))

	waitCount(t, got1, 1)
	waitCount(t, got2, 1)
	assert.Equal(t, []byte("hi"), got1.last().Payload)
	assert.Equal(t, []byte("hi"), got2.last().Payload)

	assert.Equal(t, uint64(2), f.reg.TotalForwarded())
	assert.Equal(t, uint64(1), f.reg.TotalReceived())
}

func TestTopicFilter(t *testing.T) {
	f := newFixture(t)
	down1 := testutil.StartBroker(t)
	down2 := testutil.StartBroker(t)
	b1 := f.addBroker(t, "B1", down1, func(r *storage.BrokerRecord) {
		r.Topics = []string{"sensors/#"}
	})
	b2 := f.addBroker(t, "B2", down2, func(r *storage.BrokerRecord) {
		r.Topics = []string{"alerts/#"}
	})

	f.start(t)
	f.waitConnected(t, b1.ID, b2.ID)

	got1 := observe(t, down1, "sensors/#")
	got2 := observe(t, down2, "#")

	require.NoError(t, f.main.Publish("sensors/temp", []byte("22"), false, 0))

	waitCount(t, got1, 1)
	assert.Equal(t, uint64(1), f.reg.TotalForwarded())

	// B2's filter does not match; nothing arrives there.
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, got2.count())
}

func TestBidirectionalLoopSuppression(t *testing.T) {
	f := newFixture(t)
	down := testutil.StartBroker(t)
	b1 := f.addBroker(t, "B1", down, func(r *storage.BrokerRecord) {
		r.Bidirectional = true
	})

	f.start(t)
	f.waitConnected(t, b1.ID)

	gotDown := observe(t, down, "t")
	gotMain := observe(t, f.main, "t")

	// Main -> downstream: one copy lands on B1. The proxy's own '#'
	// subscription on B1 echoes it back, which must not be re-published
	// upstream.
	require.NoError(t, f.main.Publish("t", []byte("x"), false, 0))
	waitCount(t, gotDown, 1)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, gotDown.count(), "message amplified back to downstream")
	assert.Equal(t, 1, gotMain.count(), "echo re-published to main broker")
	assert.Equal(t, uint64(1), f.reg.TotalForwarded())

	// Downstream -> main: a fresh message from B1 reaches the main broker
	// exactly once and is not fanned back out to B1.
	require.NoError(t, down.Publish("t", []byte("from-b1"), false, 0))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && gotMain.count() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, gotMain.count(), "upstream forward missing or duplicated")

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 2, gotDown.count(), "upstream message looped back downstream")
	assert.Equal(t, uint64(1), f.reg.TotalForwarded(), "loop suppression failed on echo")
}

func TestUpdateWithoutReconnect(t *testing.T) {
	f := newFixture(t)
	down := testutil.StartBroker(t)
	b1 := f.addBroker(t, "B1", down, nil)

	f.start(t)
	f.waitConnected(t, b1.ID)

	f.manager.mu.RLock()
	before := f.manager.conns[b1.ID]
	f.manager.mu.RUnlock()
	require.NotNil(t, before)

	// Change only the fanout filter set.
	patch := b1
	patch.Topics = []string{"foo/#"}
	patch.Password = crypto.PasswordPlaceholder
	_, err := f.store.Update(b1.ID, patch)
	require.NoError(t, err)

	// The same client instance keeps its session.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.manager.mu.RLock()
		rec := f.manager.conns[b1.ID].rec
		f.manager.mu.RUnlock()
		if len(rec.Topics) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.manager.mu.RLock()
	after := f.manager.conns[b1.ID]
	f.manager.mu.RUnlock()
	assert.Same(t, before.cli, after.cli)
	assert.Equal(t, before.generation, after.generation)
	assert.True(t, after.cli.Connected())
	assert.Equal(t, []string{"foo/#"}, after.rec.Topics)

	// The new filter now gates fanout.
	got := observe(t, down, "#")
	require.NoError(t, f.main.Publish("bar/x", []byte("skip"), false, 0))
	require.NoError(t, f.main.Publish("foo/x", []byte("pass"), false, 0))
	waitCount(t, got, 1)
	assert.Equal(t, "foo/x", got.last().TopicName)
}

func TestUpdateWithReconnect(t *testing.T) {
	f := newFixture(t)
	downA := testutil.StartBroker(t)
	downB := testutil.StartBroker(t)
	b1 := f.addBroker(t, "B1", downA, nil)

	f.start(t)
	f.waitConnected(t, b1.ID)

	f.manager.mu.RLock()
	before := f.manager.conns[b1.ID]
	f.manager.mu.RUnlock()

	// Changing the port forces a replace.
	patch := b1
	patch.Port = downB.Port
	patch.Password = crypto.PasswordPlaceholder
	_, err := f.store.Update(b1.ID, patch)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		f.manager.mu.RLock()
		lc := f.manager.conns[b1.ID]
		f.manager.mu.RUnlock()
		if lc != nil && lc.cli != before.cli && lc.cli.Connected() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	f.manager.mu.RLock()
	after := f.manager.conns[b1.ID]
	f.manager.mu.RUnlock()
	require.NotNil(t, after)
	assert.NotSame(t, before.cli, after.cli)
	assert.Greater(t, after.generation, before.generation)
	assert.True(t, after.cli.Connected())
	assert.Equal(t, downB.Port, after.rec.Port)

	got := observe(t, downB, "#")
	require.NoError(t, f.main.Publish("moved/t", []byte("m"), false, 0))
	waitCount(t, got, 1)
}

func TestReconcileCreateToggleDelete(t *testing.T) {
	f := newFixture(t)
	down := testutil.StartBroker(t)

	f.start(t)

	// Created while running: a live client appears.
	b1 := f.addBroker(t, "Late", down, nil)
	f.waitConnected(t, b1.ID)

	// Disabled: the live client goes away, the record stays.
	require.NoError(t, f.store.SetEnabled(b1.ID, false))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.manager.mu.RLock()
		_, live := f.manager.conns[b1.ID]
		f.manager.mu.RUnlock()
		if !live {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	f.manager.mu.RLock()
	_, live := f.manager.conns[b1.ID]
	f.manager.mu.RUnlock()
	assert.False(t, live, "disabled record must have no live connection")

	status := f.manager.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Connected)
	assert.False(t, status[0].Enabled)

	// Re-enabled: a fresh client with a new generation.
	require.NoError(t, f.store.SetEnabled(b1.ID, true))
	f.waitConnected(t, b1.ID)

	// Deleted: everything gone.
	require.NoError(t, f.store.Delete(b1.ID))
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.manager.mu.RLock()
		n := len(f.manager.conns)
		f.manager.mu.RUnlock()
		if n == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Empty(t, f.manager.Status())
}

func TestObserverBusSeesTraffic(t *testing.T) {
	f := newFixture(t)
	down := testutil.StartBroker(t)
	b1 := f.addBroker(t, "B1", down, nil)

	f.start(t)
	f.waitConnected(t, b1.ID)

	sub := f.bus.Subscribe(16)
	defer sub.Close()

	require.NoError(t, f.main.Publish("obs/t", []byte("seen"), false, 0))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-sub.C():
			if msg.ClientID == MainClientID && msg.Topic == "obs/t" {
				assert.Equal(t, bus.Payload("seen"), msg.Payload)
				return
			}
		case <-deadline:
			t.Fatal("bus never observed the main broker message")
		}
	}
}

func TestPayloadIntegrity(t *testing.T) {
	f := newFixture(t)
	down := testutil.StartBroker(t)
	b1 := f.addBroker(t, "B1", down, nil)

	f.start(t)
	f.waitConnected(t, b1.ID)

	got := observe(t, down, "bin/t")

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, f.main.Publish("bin/t", payload, false, 0))

	waitCount(t, got, 1)
	assert.Equal(t, payload, got.last().Payload)
}

func TestEffectiveSubscriptions(t *testing.T) {
	rec := storage.BrokerRecord{}
	assert.Equal(t, []string{"#"}, effectiveSubscriptions(rec))

	rec.Topics = []string{"a/#"}
	assert.Equal(t, []string{"#"}, effectiveSubscriptions(rec),
		"non-bidirectional brokers observe everything")

	rec.Bidirectional = true
	assert.Equal(t, []string{"a/#"}, effectiveSubscriptions(rec))

	rec.SubscriptionTopics = []string{"b/#"}
	assert.Equal(t, []string{"b/#"}, effectiveSubscriptions(rec))
}

func TestConnectionAffecting(t *testing.T) {
	base := storage.BrokerRecord{
		Address: "localhost", Port: 1883, ClientIDPrefix: "p",
	}

	same := base
	same.Topics = []string{"x/#"}
	same.SubscriptionTopics = []string{"y/#"}
	same.Bidirectional = true
	assert.False(t, connectionAffecting(base, same))

	for _, mutate := range []func(*storage.BrokerRecord){
		func(r *storage.BrokerRecord) { r.Address = "other" },
		func(r *storage.BrokerRecord) { r.Port = 1884 },
		func(r *storage.BrokerRecord) { r.Username = "u" },
		func(r *storage.BrokerRecord) { r.Password = "p" },
		func(r *storage.BrokerRecord) { r.UseTLS = true },
		func(r *storage.BrokerRecord) { r.InsecureSkipVerify = true },
		func(r *storage.BrokerRecord) { r.ClientIDPrefix = "q" },
	} {
		changed := base
		mutate(&changed)
		assert.True(t, connectionAffecting(base, changed))
	}
}

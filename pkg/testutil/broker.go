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

// Package testutil provides an embedded MQTT broker for integration
// tests. Tests spin up a real broker on a loopback port and exercise the
// proxy's client connections against it instead of mocking the MQTT
// layer.
package testutil

import (
	"fmt"
	"net"
	"sync"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Broker is an embedded MQTT broker bound to a loopback port.
type Broker struct {
	Server *mochi.Server
	Port   int

	closeOnce sync.Once
}

// Close stops the broker. Only the first call closes the server, so a
// test may stop the broker itself before the registered cleanup runs.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() { err = b.Server.Close() })
	return err
}

// StartBroker launches an embedded broker on a free loopback port and
// registers cleanup with the test. The broker accepts all connections.
func StartBroker(t *testing.T) *Broker {
	t.Helper()

	port := FreePort(t)

	server := mochi.New(&mochi.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("failed to add auth hook: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("test-%d", port),
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("failed to add listener: %v", err)
	}

	go func() {
		_ = server.Serve()
	}()

	b := &Broker{Server: server, Port: port}
	t.Cleanup(func() {
		_ = b.Close()
	})

	return b
}

// Publish injects a message into the broker through its inline client, as
// if an external publisher had sent it.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return b.Server.Publish(topic, payload, retain, qos)
}

// FreePort reserves and releases a loopback TCP port for the test to
// bind.
func FreePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

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

// Package client wraps an MQTT client connection to a single broker with
// a dedicated event loop. Each client owns its own reconnect schedule
// (exponential backoff with jitter), a bounded outbound publish queue
// drained by a writer goroutine, and an inbound message stream consumed
// by the connection manager. Retries live entirely inside the client's
// state machine; the manager only spawns and shuts down instances.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// State is the lifecycle state of a broker client.
type State int32

const (
	// StateInitializing is the state before the event loop starts.
	StateInitializing State = iota
	// StateConnecting means a CONNECT attempt is in flight.
	StateConnecting
	// StateConnected means the connection is established and subscribed.
	StateConnected
	// StateReconnecting means the transport was lost and the client is
	// waiting out its backoff before the next attempt.
	StateReconnecting
	// StateDisconnecting means an explicit shutdown is draining.
	StateDisconnecting
	// StateTerminated means the event loop exited after a clean shutdown.
	StateTerminated
	// StateFailed means the manager cancelled the client before it ever
	// reached a clean connected shutdown.
	StateFailed
)

// String returns the state name for logs and status surfaces.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrQueueFull is returned by Publish when the outbound queue has no
	// room. The caller drops the message; Publish never blocks.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrTerminated is returned by Publish after the client shut down.
	ErrTerminated = errors.New("client terminated")
)

const (
	initialBackoff      = 1 * time.Second
	maxBackoff          = 30 * time.Second
	backoffJitter       = 0.2
	defaultKeepAlive    = 60 * time.Second
	defaultConnTimeout  = 10 * time.Second
	defaultQueueSize    = 256
	defaultInboundSize  = 1024
	publishWaitTimeout  = 5 * time.Second
	tokenWaitTimeout    = 5 * time.Second
	disconnectQuiesceMs = 250
)

// InboundMessage is one publish received from the broker, tagged with the
// generation of the client instance that observed it so the manager can
// discard events from replaced connections.
type InboundMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Generation uint64
}

// Options configures a broker client.
type Options struct {
	// Name labels the connection in logs (broker record name or "main").
	Name string

	Address string
	Port    int

	ClientID string
	Username string
	Password string

	UseTLS             bool
	InsecureSkipVerify bool

	// Subscriptions is the initial topic filter set, issued on every
	// (re)connect.
	Subscriptions []string

	// QoSCap bounds the QoS of outbound publishes and subscriptions.
	// Zero means the default cap of 1.
	QoSCap byte

	// Generation tags inbound messages from this client instance.
	Generation uint64

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QueueSize      int
	InboundBuffer  int

	// OnDropped, when set, is called once per outbound message dropped
	// by the writer (not connected, publish failure or timeout).
	OnDropped func()
}

type outboundMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Client is a single broker connection with its own event loop.
type Client struct {
	opts Options
	paho mqtt.Client

	state atomic.Int32

	subMu sync.Mutex
	subs  map[string]struct{}

	outbound chan outboundMessage
	inbound  chan InboundMessage
	lost     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
}

// New builds a client from the given options. Start must be called to
// spawn the event loop.
func New(opts Options) *Client {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnTimeout
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.InboundBuffer == 0 {
		opts.InboundBuffer = defaultInboundSize
	}
	if opts.QoSCap == 0 {
		opts.QoSCap = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		opts:     opts,
		subs:     make(map[string]struct{}),
		outbound: make(chan outboundMessage, opts.QueueSize),
		inbound:  make(chan InboundMessage, opts.InboundBuffer),
		lost:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, f := range opts.Subscriptions {
		c.subs[f] = struct{}{}
	}

	scheme := "tcp"
	if opts.UseTLS {
		scheme = "ssl"
	}

	pahoOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, opts.Address, opts.Port)).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout)

	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
		pahoOpts.SetPassword(opts.Password)
	}

	if opts.UseTLS {
		pahoOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify})
		if opts.InsecureSkipVerify {
			log.Printf("[WARN] TLS certificate verification disabled for broker '%s'", opts.Name)
		}
	}

	pahoOpts.SetDefaultPublishHandler(c.onMessage)
	pahoOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[WARN] Connection to broker '%s' lost: %v", opts.Name, err)
		c.state.Store(int32(StateReconnecting))
		select {
		case c.lost <- struct{}{}:
		default:
		}
	})

	c.paho = mqtt.NewClient(pahoOpts)
	return c
}

// Start spawns the event loop and the outbound writer. It is safe to call
// only once; repeated calls are ignored.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
		go c.writer()
	})
}

// run is the client event loop: connect, subscribe, wait for loss or
// shutdown, back off, repeat.
func (c *Client) run() {
	defer close(c.done)

	backoff := initialBackoff
	for {
		select {
		case <-c.ctx.Done():
			c.state.Store(int32(StateFailed))
			return
		default:
		}

		c.state.Store(int32(StateConnecting))
		// Discard loss signals left over from a previous connection.
		select {
		case <-c.lost:
		default:
		}
		token := c.paho.Connect()
		completed := token.WaitTimeout(c.opts.ConnectTimeout)

		if completed && token.Error() == nil {
			backoff = initialBackoff
			c.state.Store(int32(StateConnected))
			log.Printf("[INFO] Broker '%s' connected (%s:%d)", c.opts.Name, c.opts.Address, c.opts.Port)
			c.resubscribe()

			select {
			case <-c.ctx.Done():
				c.state.Store(int32(StateDisconnecting))
				c.paho.Disconnect(disconnectQuiesceMs)
				c.state.Store(int32(StateTerminated))
				log.Printf("[INFO] Broker '%s' disconnected", c.opts.Name)
				return
			case <-c.lost:
				c.state.Store(int32(StateReconnecting))
			}
		} else {
			if completed {
				log.Printf("[WARN] Broker '%s' connect failed: %v", c.opts.Name, token.Error())
			} else {
				log.Printf("[WARN] Broker '%s' connect timed out", c.opts.Name)
			}
			c.state.Store(int32(StateReconnecting))
		}

		select {
		case <-c.ctx.Done():
			c.state.Store(int32(StateFailed))
			return
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// jitter spreads a backoff interval by ±20% so a fleet of clients does
// not reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	factor := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	return time.Duration(float64(d) * factor)
}

// writer drains the outbound queue. A message that cannot be delivered
// (not connected, error, or timeout) is dropped and counted; the writer
// never pushes back on the fanout path.
func (c *Client) writer() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.outbound:
			if State(c.state.Load()) != StateConnected {
				c.drop()
				continue
			}
			token := c.paho.Publish(m.topic, m.qos, m.retain, m.payload)
			if !token.WaitTimeout(publishWaitTimeout) || token.Error() != nil {
				c.drop()
			}
		}
	}
}

func (c *Client) drop() {
	if c.opts.OnDropped != nil {
		c.opts.OnDropped()
	}
}

// onMessage delivers a received publish to the inbound stream in arrival
// order. Delivery blocks until the manager drains or the client shuts
// down; the inbound buffer absorbs bursts.
func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg := InboundMessage{
		Topic:      m.Topic(),
		Payload:    m.Payload(),
		QoS:        m.Qos(),
		Retain:     m.Retained(),
		Generation: c.opts.Generation,
	}
	select {
	case c.inbound <- msg:
	case <-c.ctx.Done():
	}
}

// Publish enqueues an outbound message without blocking. QoS is capped at
// the per-broker limit. Returns ErrQueueFull when the queue has no room
// and ErrTerminated after shutdown.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if c.ctx.Err() != nil {
		return ErrTerminated
	}
	if qos > c.opts.QoSCap {
		qos = c.opts.QoSCap
	}

	select {
	case c.outbound <- outboundMessage{topic: topic, payload: payload, qos: qos, retain: retain}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Inbound returns the stream of messages received from this broker.
func (c *Client) Inbound() <-chan InboundMessage {
	return c.inbound
}

// Done is closed once the event loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether the client currently holds an established
// connection.
func (c *Client) Connected() bool {
	return State(c.state.Load()) == StateConnected && c.paho.IsConnected()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Generation returns the generation tag of this client instance.
func (c *Client) Generation() uint64 {
	return c.opts.Generation
}

// SetSubscriptions replaces the desired topic filter set. When connected,
// the delta is applied in place: SUBSCRIBE for added filters, UNSUBSCRIBE
// for removed ones, without reconnecting. The full set is reissued on
// every reconnect.
func (c *Client) SetSubscriptions(filters []string) {
	c.subMu.Lock()

	next := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		next[f] = struct{}{}
	}

	added := make(map[string]byte)
	for f := range next {
		if _, ok := c.subs[f]; !ok {
			added[f] = c.opts.QoSCap
		}
	}
	var removed []string
	for f := range c.subs {
		if _, ok := next[f]; !ok {
			removed = append(removed, f)
		}
	}

	c.subs = next
	c.subMu.Unlock()

	if !c.Connected() {
		return
	}

	if len(added) > 0 {
		token := c.paho.SubscribeMultiple(added, nil)
		if !token.WaitTimeout(tokenWaitTimeout) || token.Error() != nil {
			log.Printf("[WARN] Broker '%s' subscribe failed: %v", c.opts.Name, token.Error())
		}
	}
	if len(removed) > 0 {
		token := c.paho.Unsubscribe(removed...)
		if !token.WaitTimeout(tokenWaitTimeout) || token.Error() != nil {
			log.Printf("[WARN] Broker '%s' unsubscribe failed: %v", c.opts.Name, token.Error())
		}
	}
}

// resubscribe issues the full desired filter set after a connect.
func (c *Client) resubscribe() {
	c.subMu.Lock()
	filters := make(map[string]byte, len(c.subs))
	for f := range c.subs {
		filters[f] = c.opts.QoSCap
	}
	c.subMu.Unlock()

	if len(filters) == 0 {
		return
	}

	token := c.paho.SubscribeMultiple(filters, nil)
	if !token.WaitTimeout(tokenWaitTimeout) || token.Error() != nil {
		log.Printf("[WARN] Broker '%s' subscribe failed: %v", c.opts.Name, token.Error())
		return
	}
	for f := range filters {
		log.Printf("[INFO] Broker '%s' subscribed to '%s'", c.opts.Name, f)
	}
}

// Shutdown cancels the event loop and performs a soft disconnect. When
// the loop has not exited by the context deadline the underlying
// connection is force-closed and the deadline error returned.
func (c *Client) Shutdown(ctx context.Context) error {
	c.cancel()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.paho.Disconnect(0)
		return ctx.Err()
	}
}

// FormatClientID builds the effective MQTT client id for a broker record:
// the configured prefix, a stable short form of the record id, and a
// random suffix that changes on every client instance so a replaced
// session cannot collide with its predecessor on the broker.
func FormatClientID(prefix, recordID string) string {
	short := recordID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, short, uuid.NewString()[:4])
}

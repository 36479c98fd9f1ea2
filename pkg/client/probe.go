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

package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrProbeTimeout is returned when a connection test does not complete
// within its deadline.
var ErrProbeTimeout = errors.New("connection test timed out")

// Probe performs a one-shot connect/disconnect against the broker
// described by opts, used by the admin surface's connection test. Nothing
// is persisted and no event loop is spawned.
func Probe(opts Options, timeout time.Duration) error {
	scheme := "tcp"
	if opts.UseTLS {
		scheme = "ssl"
	}

	pahoOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, opts.Address, opts.Port)).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(timeout)

	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
		pahoOpts.SetPassword(opts.Password)
	}
	if opts.UseTLS {
		pahoOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify})
	}

	c := mqtt.NewClient(pahoOpts)
	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		return ErrProbeTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}

	c.Disconnect(disconnectQuiesceMs)
	return nil
}

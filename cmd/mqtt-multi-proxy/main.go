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

// package main is the entrypoint for the MQTT multi-proxy.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erikarenhill/mqtt-multi-proxy/pkg/admin"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/bus"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/config"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/crypto"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/proxy"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	log.Println("Starting MQTT multi-proxy...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cipher := crypto.NewFromEnv()

	store, err := storage.Open(cfg.StorePath(), cipher)
	if err != nil {
		log.Fatalf("Failed to open broker store: %v", err)
	}

	// Seed the main broker settings from the static config on first start.
	if _, ok := store.MainBroker(); !ok {
		err := store.SetMainBroker(storage.MainBrokerSettings{
			Address:  cfg.MainBroker.Address,
			Port:     cfg.MainBroker.Port,
			ClientID: cfg.MainBroker.ClientID,
			Username: cfg.MainBroker.Username,
			Password: cfg.MainBroker.Password,
		})
		if err != nil {
			log.Fatalf("Failed to seed main broker settings: %v", err)
		}
	}

	if cfg.Metrics.Enabled {
		go metrics.Serve(cfg.Metrics.Listen)
	}

	messageBus := bus.New()
	registry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := proxy.NewManager(store, messageBus, registry)
	manager.Start(ctx)

	var adminServer *admin.Server
	adminErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(cfg.AdminAddr(), store, manager, registry, messageBus)
		go func() {
			adminErr <- adminServer.ListenAndServe()
		}()
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-shutdownChan:
		log.Printf("Received %s, shutting down...", sig)
	case err := <-adminErr:
		if err != nil {
			log.Fatalf("Admin server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown: %v", err)
		}
	}
	manager.Shutdown(shutdownCtx)

	log.Println("Shutdown complete.")
}

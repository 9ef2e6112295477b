// Copyright The NRI Plugins Authors. All Rights Reserved.
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

// Package instrumentation serves the metrics and health of a process over
// HTTP.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/z3fold/pkg/healthz"
	logger "github.com/containers/z3fold/pkg/log"
	"github.com/containers/z3fold/pkg/metrics"
)

const (
	shutdownTimeout = 5 * time.Second
)

var (
	log = logger.Get("instrumentation")
)

// Service is our instrumentation service: an HTTP server exposing the
// collectors of a metrics registry and the health of the process.
type Service struct {
	sync.Mutex
	namespace string
	registry  *metrics.Registry
	gatherer  *metrics.Gatherer
	server    *http.Server
	listener  net.Listener
	done      chan struct{}
}

// New creates an instrumentation service for the given registry.
func New(registry *metrics.Registry, namespace string) *Service {
	return &Service{
		namespace: namespace,
		registry:  registry,
	}
}

// Start starts the service with the given configuration.
func (s *Service) Start(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	return s.start(cfg)
}

// Stop stops the service.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.stop()
}

// Reconfigure restarts the service with a new configuration.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	s.stop()
	return s.start(cfg)
}

// Address returns the address the HTTP server listens on, if any.
func (s *Service) Address() string {
	s.Lock()
	defer s.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Gatherer returns the active metrics gatherer.
func (s *Service) Gatherer() *metrics.Gatherer {
	s.Lock()
	defer s.Unlock()
	return s.gatherer
}

func (s *Service) start(cfg *cfgapi.Config) error {
	log.Info("starting instrumentation services...")

	enabled, polled := cfg.EnabledMetrics()
	g, err := s.registry.NewGatherer(
		metrics.WithNamespace(s.namespace),
		metrics.WithPollInterval(cfg.ReportPeriod.Duration),
		metrics.WithMetrics(enabled, polled),
	)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	s.gatherer = g

	if cfg.HTTPEndpoint == "" {
		log.Info("no HTTP endpoint configured, metrics are not served")
		return nil
	}

	l, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		s.gatherer.Stop()
		s.gatherer = nil
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	healthz.Setup(mux)

	s.listener = l
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, s.done)

	log.Info("serving metrics at http://%s/metrics", l.Addr())

	return nil
}

func (s *Service) stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.server.Shutdown(ctx); err != nil {
			log.Warn("HTTP server shutdown failed: %v", err)
		}
		cancel()
		<-s.done
		s.server = nil
		s.listener = nil
	}

	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}
}

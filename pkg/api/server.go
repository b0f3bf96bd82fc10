// Package api serves health, status and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

// StatusProvider reports the auctioneer state shown on /status.
type StatusProvider interface {
	OpenAuctions() int64
	RelayNames() []string
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	BuilderPubkey string   `json:"builder_pubkey"`
	Relays        []string `json:"relays"`
	OpenAuctions  int64    `json:"open_auctions"`
}

// Server is the status HTTP server.
type Server struct {
	port          int
	builderPubkey phase0.BLSPubKey
	status        StatusProvider
	log           logrus.FieldLogger
	handler       http.Handler
	server        *http.Server
}

// NewServer creates a new status server.
func NewServer(port int, builderPubkey phase0.BLSPubKey, status StatusProvider, log logrus.FieldLogger) *Server {
	s := &Server{
		port:          port,
		builderPubkey: builderPubkey,
		status:        status,
		log:           log.WithField("component", "api"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.UseHandler(router)

	s.handler = n

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		BuilderPubkey: s.builderPubkey.String(),
		Relays:        s.status.RelayNames(),
		OpenAuctions:  s.status.OpenAuctions(),
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithError(err).Warn("Failed to encode status response")
	}
}

// Start starts listening in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.WithField("addr", listener.Addr().String()).Info("Starting API server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("API server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	return s.server.Shutdown(ctx)
}

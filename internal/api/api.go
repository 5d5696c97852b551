// Package api provides the HTTP surface of CarePulse: transport webhooks
// plus the staff endpoints for patients, schedules, alerts and tasks.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carepulse/carepulse/internal/alerts"
	"github.com/carepulse/carepulse/internal/messaging"
	"github.com/carepulse/carepulse/internal/schedule"
	"github.com/carepulse/carepulse/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// TwilioWebhooks is implemented by messaging services that receive inbound
// traffic over HTTP callbacks.
type TwilioWebhooks interface {
	HandleIncomingMessage(w http.ResponseWriter, r *http.Request)
	HandleStatusCallback(w http.ResponseWriter, r *http.Request)
}

// Server wires the HTTP routes to the storage and pipeline components.
type Server struct {
	addr       string
	router     *mux.Router
	store      store.Store
	msgService messaging.Service
	matcher    *schedule.Matcher
	alerter    *alerts.Manager
	webhooks   TwilioWebhooks
	httpSrv    *http.Server
	cancel     context.CancelFunc
}

// Opts holds configuration options for the server.
type Opts struct {
	Addr     string
	Webhooks TwilioWebhooks
}

// Option defines a configuration option for the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhooks mounts the transport's inbound and status callbacks.
func WithTwilioWebhooks(h TwilioWebhooks) Option {
	return func(o *Opts) { o.Webhooks = h }
}

// NewServer creates the API server and registers all routes.
func NewServer(st store.Store, msgService messaging.Service, matcher *schedule.Matcher, alerter *alerts.Manager, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		addr:       cfg.Addr,
		router:     mux.NewRouter(),
		store:      st,
		msgService: msgService,
		matcher:    matcher,
		alerter:    alerter,
		webhooks:   cfg.Webhooks,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.webhooks != nil {
		s.router.HandleFunc("/webhook/twilio", s.webhooks.HandleIncomingMessage).Methods(http.MethodPost)
		s.router.HandleFunc("/webhook/twilio/status", s.webhooks.HandleStatusCallback).Methods(http.MethodPost)
	}
	s.router.HandleFunc("/patients", s.createPatientHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/patients/{id}/enroll", s.enrollHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/patients/{id}/automation", s.automationHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/patients/{id}/schedule", s.scheduleHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/templates", s.createTemplateHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/alerts", s.listAlertsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/alerts/{id}/resolve", s.resolveAlertHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/tasks", s.listTasksHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving and consuming delivery receipts. It returns once the
// listener is set up; serving continues in the background.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.consumeReceipts(ctx)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.router}
	go func() {
		slog.Info("Server.Start: listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server.Start: listener failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// consumeReceipts propagates transport delivery receipts onto the persisted
// message rows.
func (s *Server) consumeReceipts(ctx context.Context) {
	receipts := s.msgService.Receipts()
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-receipts:
			if !ok {
				return
			}
			if receipt.ExternalID == "" {
				continue
			}
			if err := s.store.UpdateMessageStatusByExternalID(receipt.ExternalID, receipt.Status); err != nil {
				slog.Debug("Server.consumeReceipts: status update skipped", "externalID", receipt.ExternalID, "error", err)
				continue
			}
			slog.Debug("Server.consumeReceipts: message status updated", "externalID", receipt.ExternalID, "status", receipt.Status)
		}
	}
}

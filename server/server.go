// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"inbox-triage/intake"
	"inbox-triage/pkg/triage"
	"inbox-triage/subscription"
)

// Intake screens inbound change notifications.
type Intake interface {
	Handle(event triage.Event) intake.Reason
}

// Subscriptions manages the push subscription lifecycle.
type Subscriptions interface {
	Create(ctx context.Context, resource string, lifetimeMinutes int) (*triage.Subscription, error)
	Revoke(ctx context.Context, id string) error
	List() []*triage.Subscription
	Sweep(ctx context.Context) []*triage.Subscription
}

// Poller interface for triggering the fallback check.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	intake  Intake
	subs    Subscriptions
	poller  Poller
	logger  *slog.Logger
	baseURL string
}

// Config holds server configuration.
type Config struct {
	Intake  Intake
	Subs    Subscriptions
	Poller  Poller
	Logger  *slog.Logger
	BaseURL string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		intake:  cfg.Intake,
		subs:    cfg.Subs,
		poller:  cfg.Poller,
		logger:  cfg.Logger,
		baseURL: cfg.BaseURL,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/sweepz", s.handleSweep)
	mux.HandleFunc("/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/subscriptions/", s.handleSubscriptionByID)
	return mux
}

// ListenAndServe starts the server and blocks until it fails or the context
// is canceled, at which point in-flight requests get a grace period to drain.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("Starting HTTP server", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// notification is the wire shape of one change notification in a batch.
type notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// handleWebhook serves both halves of the provider contract: the validation
// handshake during subscription creation, and notification batches afterward.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Validation handshake: echo the token back verbatim as plain text.
	// Anything else, including JSON wrapping, fails subscription creation.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, token); err != nil {
			s.logger.Warn("Failed to write validation response", "error", err)
		}
		s.logger.Info("Validation handshake completed")
		return
	}

	var batch struct {
		Value []notification `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.logger.Warn("Malformed notification body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var accepted int
	for i := range batch.Value {
		n := &batch.Value[i]
		reason := s.intake.Handle(triage.Event{
			SubscriptionID: n.SubscriptionID,
			ResourceID:     n.ResourceData.ID,
			ChangeType:     n.ChangeType,
			ClientState:    n.ClientState,
		})
		if reason == intake.ReasonAccepted {
			accepted++
		}
	}

	s.logger.Info("Notification batch received", "total", len(batch.Value), "accepted", accepted)

	// Always acknowledge quickly; slow or erroring webhooks get the
	// subscription throttled by the provider.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"status":       "healthy",
		"callback_url": s.baseURL + "/webhook",
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Sweep endpoint triggered")
	subs := s.subs.Sweep(r.Context())
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"tracked": len(subs)})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.logger, http.StatusOK, s.subs.List())
	case http.MethodPost:
		var req struct {
			Resource        string `json:"resource"`
			LifetimeMinutes int    `json:"lifetime_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		if req.Resource == "" {
			http.Error(w, "resource is required", http.StatusBadRequest)
			return
		}
		sub, err := s.subs.Create(r.Context(), req.Resource, req.LifetimeMinutes)
		if err != nil {
			s.logger.Error("Subscription creation failed", "resource", req.Resource, "error", err)
			http.Error(w, "Subscription creation failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, s.logger, http.StatusCreated, sub)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubscriptionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/subscriptions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if err := s.subs.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Revoke failed", "subscription_id", id, "error", err)
		http.Error(w, "Revoke failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write JSON response", "error", err)
	}
}

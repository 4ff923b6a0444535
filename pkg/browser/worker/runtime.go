package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/odvcencio/browserhost/pkg/browser"
	hosterrors "github.com/odvcencio/browserhost/pkg/errors"
	"github.com/odvcencio/browserhost/pkg/logging"
	"github.com/odvcencio/browserhost/pkg/reliability"
)

// Runtime supervises the worker process and drives it over the RPC
// channel. The supervisor and client are independently lifecycled: the
// client can reconnect on its own when only the socket drops, without
// restarting the process.
type Runtime struct {
	cfg        Config
	supervisor *Supervisor
	client     *Client
	logger     *logging.Logger

	navigation reliability.Strategy
	action     reliability.Strategy
}

// NewRuntime creates a worker-backed browser runtime.
func NewRuntime(cfg Config, logger *logging.Logger) (*Runtime, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, hosterrors.Wrap(err, hosterrors.ErrCodeConfigInvalid, "worker config").
			WithUserMessage("The browser service is misconfigured.")
	}
	return &Runtime{
		cfg:        merged,
		supervisor: NewSupervisor(merged, logger),
		client:     NewClient(merged, logger),
		logger:     logger,
		navigation: reliability.FromProfile(merged.Retry.Navigation).WithLogger(logger),
		action:     reliability.FromProfile(merged.Retry.Action).WithLogger(logger),
	}, nil
}

// Start boots the worker process and opens the control channel. A worker
// that becomes ready but refuses the socket is stopped again; Start never
// leaves a half-started process behind.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.supervisor.Start(ctx); err != nil {
		return err
	}
	if err := r.client.Connect(ctx); err != nil {
		_ = r.supervisor.Stop()
		return hosterrors.Wrap(err, hosterrors.ErrCodeServiceNotAvailable, "opening worker channel").
			WithUserMessage("The browser service is not available right now.")
	}
	return nil
}

// NewSession asks the worker for a fresh browser session. The worker
// assigns the id; the host keeps no mirrored page state.
func (r *Runtime) NewSession(ctx context.Context) (browser.Session, error) {
	if r == nil {
		return nil, browser.ErrUnavailable
	}

	data, err := r.client.Call(ctx, VerbCreateSession, "", map[string]any{
		"headless": r.cfg.Headless,
	})
	if err != nil {
		if errors.Is(err, browser.ErrNotConnected) {
			return nil, hosterrors.NewServiceNotAvailable("worker connection unavailable")
		}
		return nil, classify(VerbCreateSession, "", err)
	}

	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, hosterrors.Wrap(err, hosterrors.ErrCodeSessionError, "decoding createSession response").
				WithRetryable(true).
				WithUserMessage("The browser session could not be created.")
		}
	}
	if payload.SessionID == "" {
		return nil, hosterrors.New(hosterrors.ErrCodeSessionError, "worker returned no session id").
			WithRetryable(true).
			WithUserMessage("The browser session could not be created.")
	}

	browser.RecordSessionCreated()
	r.logger.Info(logging.CategorySession, "session_created", "", map[string]any{
		"session_id": payload.SessionID,
	})

	return &Session{
		id:         payload.SessionID,
		client:     r.client,
		logger:     r.logger,
		navigation: r.navigation,
		action:     r.action,
	}, nil
}

// Client exposes the RPC client, mainly for health checks.
func (r *Runtime) Client() *Client {
	return r.client
}

// Supervisor exposes the process supervisor, mainly for health checks.
func (r *Runtime) Supervisor() *Supervisor {
	return r.supervisor
}

// Close tears down the channel, then the process. Idempotent.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	_ = r.client.Disconnect()
	return r.supervisor.Stop()
}

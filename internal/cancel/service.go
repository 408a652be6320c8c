package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/verba-ai/verba/internal/logger"
)

const (
	turnCancelSubject = "turn.cancel"

	// Timeout for the request-reply round trip across instances.
	requestTimeout = 5 * time.Second
)

// LocalCanceller aborts a turn running on this instance.
type LocalCanceller interface {
	Cancel(sessionID string) bool
}

// Local adapts a LocalCanceller for single-instance deployments where no
// NATS connection exists.
type Local struct {
	Canceller LocalCanceller
}

func (l Local) Cancel(ctx context.Context, sessionID string) bool {
	return l.Canceller.Cancel(sessionID)
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type cancelResponse struct {
	Found      bool   `json:"found"`
	InstanceID string `json:"instance_id"`
}

// Service cancels turns across instances. Turn state lives in memory on
// the instance that started the stream, so a cancel arriving elsewhere is
// broadcast over NATS and only the owning instance replies.
type Service struct {
	nc           *nats.Conn
	local        LocalCanceller
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewService creates the distributed cancel service. Returns nil when no
// NATS connection is configured; callers fall back to local-only cancel.
func NewService(nc *nats.Conn, local LocalCanceller, log *logger.Logger, instanceID string) *Service {
	if nc == nil {
		return nil
	}
	return &Service{
		nc:         nc,
		local:      local,
		logger:     log.WithComponent("distributed-cancel"),
		instanceID: instanceID,
	}
}

// Start subscribes to the cancel subject. Call once during startup.
func (s *Service) Start() error {
	sub, err := s.nc.Subscribe(turnCancelSubject, s.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", turnCancelSubject, err)
	}
	s.subscription = sub
	s.logger.Info("distributed cancel service started",
		slog.String("subject", turnCancelSubject),
		slog.String("instance_id", s.instanceID))
	return nil
}

// Stop drains the subscription.
func (s *Service) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	return nil
}

// Cancel aborts the session's turn wherever it runs: locally when this
// instance owns it, otherwise by asking the other instances.
func (s *Service) Cancel(ctx context.Context, sessionID string) bool {
	if s.local.Cancel(sessionID) {
		return true
	}
	return s.requestRemote(ctx, sessionID)
}

func (s *Service) requestRemote(ctx context.Context, sessionID string) bool {
	data, err := json.Marshal(cancelRequest{SessionID: sessionID})
	if err != nil {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, turnCancelSubject, data)
	if err != nil {
		// No responders or a timeout both mean nobody owns the turn.
		if !errors.Is(err, nats.ErrNoResponders) && !errors.Is(err, context.DeadlineExceeded) &&
			!errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.Canceled) {
			s.logger.Warn("remote cancel failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
		return false
	}

	var resp cancelResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return false
	}
	return resp.Found
}

// handleRequest answers cancel requests from other instances. Instances
// that do not own the turn stay silent so the owner's reply wins.
func (s *Service) handleRequest(msg *nats.Msg) {
	var req cancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("received invalid cancel request", slog.String("error", err.Error()))
		return
	}

	if !s.local.Cancel(req.SessionID) {
		return
	}

	data, err := json.Marshal(cancelResponse{Found: true, InstanceID: s.instanceID})
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send cancel response", slog.String("error", err.Error()))
	}

	s.logger.Info("cancelled turn for remote request",
		slog.String("session_id", req.SessionID))
}

package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"reactsync/internal/reaction"
	"reactsync/internal/reactsync"
	"reactsync/internal/session"
)

// Service is what the gateway needs from the rest of the process.
type Service struct {
	manager *reactsync.Manager
	signals session.Emitter
	ping    func(context.Context) error
	logger  *slog.Logger
}

// New wires the gateway service. signals and ping may be nil.
func New(manager *reactsync.Manager, signals session.Emitter, ping func(context.Context) error, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{manager: manager, signals: signals, ping: ping, logger: logger}
}

// Ping checks the shared backend, if there is one.
func (s *Service) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Service) Reaction(ctx context.Context, entityID string, refresh bool) (reaction.State, error) {
	return s.manager.GetReactionState(ctx, entityID, refresh)
}

// maxReactionTypeLen matches the authority's limit on reaction type names.
const maxReactionTypeLen = 64

// SetReaction sets reactionType, or removes the user's reaction when it is
// empty.
func (s *Service) SetReaction(ctx context.Context, entityID, reactionType string) (reaction.State, error) {
	reactionType = strings.TrimSpace(reactionType)
	if len(reactionType) > maxReactionTypeLen {
		return reaction.State{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "reaction_type is too long", map[string]any{"max": maxReactionTypeLen})
	}
	if reactionType == "" {
		return s.manager.UpdateReaction(ctx, entityID, nil)
	}
	return s.manager.UpdateReaction(ctx, entityID, &reactionType)
}

func (s *Service) RemoveReaction(ctx context.Context, entityID string) (reaction.State, error) {
	return s.manager.UpdateReaction(ctx, entityID, nil)
}

func (s *Service) Bind(ctx context.Context, entityID string, onChange reactsync.Callback) (*reactsync.Binding, error) {
	return s.manager.Bind(ctx, entityID, onChange)
}

// EmitSignal publishes a session signal. Without a bus the local manager is
// invalidated directly.
func (s *Service) EmitSignal(ctx context.Context, name string) (session.Signal, error) {
	signal, err := session.ParseSignal(strings.TrimSpace(name))
	if err != nil {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"allowed": session.Signals})
	}
	if s.signals == nil {
		s.manager.Invalidate(ctx, signal)
		return signal, nil
	}
	if err := s.signals.Emit(ctx, signal); err != nil {
		s.logger.Error("emit session signal", "signal", string(signal), "error", err)
		return "", domainError(http.StatusBadGateway, "SIGNAL_FAILED", "Session signal could not be delivered", nil)
	}
	return signal, nil
}

func writeErrorDetails(err *reactsync.WriteError) map[string]any {
	return map[string]any{
		"attempts":    err.Attempts,
		"maxAttempts": err.MaxAttempts,
		"retryable":   err.Retryable(),
	}
}

func isWriteError(err error) (*reactsync.WriteError, bool) {
	var writeErr *reactsync.WriteError
	if errors.As(err, &writeErr) {
		return writeErr, true
	}
	return nil, false
}

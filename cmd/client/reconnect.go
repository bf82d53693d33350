package main

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/zerodha/logf"

	"github.com/firezone/tunnel-core/internal/model"
)

// PortalDialer is the Portal signalling collaborator: something that
// reconnects the control channel and re-seeds the
// resource catalogue. A real build supplies one; nil is accepted, in which
// case the reconnection campaign is skipped with a warning.
type PortalDialer interface {
	Reconnect(ctx context.Context) error
}

// reconnectCampaign runs an exponential-backoff retry loop against dialer
// after the Client emits DisconnectedGracefully. The campaign only owns
// Portal-socket retry timing and does not touch the Client's own session
// state.
func reconnectCampaign(ctx context.Context, logger logf.Logger, dialer PortalDialer, reason string) {
	if dialer == nil {
		logger.Warn("no portal dialer configured, skipping reconnection campaign", "reason", reason)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely until ctx is cancelled

	attempt := 0
	operation := func() error {
		attempt++
		err := dialer.Reconnect(ctx)
		if err != nil {
			logger.Warn("portal reconnect attempt failed", "attempt", attempt, "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		logger.Error("portal reconnection campaign abandoned", "error", err)
	}
}

// handleClientEvent dispatches one event drained from the Client's queue,
// triggering a reconnection campaign on DisconnectedGracefully.
func handleClientEvent(ctx context.Context, logger logf.Logger, dialer PortalDialer, event any) {
	switch e := event.(type) {
	case model.DisconnectedGracefully:
		go reconnectCampaign(ctx, logger, dialer, e.Reason)
	default:
		logger.Debug("unhandled client event", "event", e)
	}
}

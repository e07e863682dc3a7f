package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwatt/fleetwatt/pkg/frank"
	"github.com/fleetwatt/fleetwatt/pkg/log"
	"github.com/fleetwatt/fleetwatt/pkg/types"
)

// cycleState tracks whether the current cycle has already re-authenticated.
// The remote service invalidates tokens on its own schedule, so an expired
// token mid-cycle is normal and a single re-login fixes it. A second
// expiry in the same cycle means credentials are genuinely bad and retrying
// further would just hammer the login endpoint.
type cycleState struct {
	reauthed bool
}

// snapshot is one device's fresh per-cycle data before it becomes a view.
type snapshot struct {
	details frank.BatteryDetails
	session types.SessionResult
}

// fetchSnapshot retrieves a device's details plus today's trading session,
// re-authenticating at most once per cycle.
func (e *Engine) fetchSnapshot(ctx context.Context, cycle *cycleState, deviceID string) (snapshot, error) {
	var snap snapshot

	err := e.withReauth(ctx, cycle, func() error {
		var err error
		snap.details, err = e.api.SmartBattery(ctx, deviceID)
		return err
	})
	if err != nil {
		return snapshot{}, fmt.Errorf("battery details: %w", err)
	}

	// today's window: the service interprets start/end as inclusive dates
	today := time.Now()
	err = e.withReauth(ctx, cycle, func() error {
		var err error
		snap.session, err = e.api.SmartBatterySessions(ctx, deviceID, today, today)
		return err
	})
	if err != nil {
		return snapshot{}, fmt.Errorf("battery sessions: %w", err)
	}

	return snap, nil
}

// withReauth runs fn and, if it fails because the token expired, logs in
// again with the configured account credentials and retries fn once with
// identical arguments. Only one re-login is allowed per cycle: a second
// expiry, or a failed re-login, becomes a fatal AuthError that aborts the
// cycle.
func (e *Engine) withReauth(ctx context.Context, cycle *cycleState, fn func() error) error {
	err := fn()
	if !errors.Is(err, frank.ErrAuthExpired) {
		return err
	}

	if cycle.reauthed {
		return &frank.AuthError{Err: fmt.Errorf("token expired again after re-login: %w", err)}
	}
	cycle.reauthed = true

	log.Ctx(ctx).InfoContext(ctx, "token expired, re-authenticating", slog.String("email", e.email))
	if _, loginErr := e.api.Login(ctx, e.email, e.password); loginErr != nil {
		if errors.As(loginErr, new(*frank.AuthError)) {
			return loginErr
		}
		return &frank.AuthError{Err: fmt.Errorf("re-login failed: %w", loginErr)}
	}

	err = fn()
	if errors.Is(err, frank.ErrAuthExpired) {
		return &frank.AuthError{Err: fmt.Errorf("token expired immediately after re-login: %w", err)}
	}
	return err
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatt/fleetwatt/pkg/frank"
	"github.com/fleetwatt/fleetwatt/pkg/log"
	"github.com/fleetwatt/fleetwatt/pkg/types"
)

// DefaultInterval is how often a full fetch-and-aggregate cycle runs when the
// config doesn't say otherwise.
const DefaultInterval = 5 * time.Minute

// API is the slice of the remote client the engine depends on. frank.Client
// implements it; tests substitute a mock.
type API interface {
	Login(ctx context.Context, email, password string) (types.Credentials, error)
	SmartBatteries(ctx context.Context) ([]types.Device, error)
	SmartBattery(ctx context.Context, deviceID string) (frank.BatteryDetails, error)
	SmartBatterySessions(ctx context.Context, deviceID string, start, end time.Time) (types.SessionResult, error)
}

// Config configures a synchronization engine.
type Config struct {
	// Email and Password are the account credentials. They are also what a
	// mid-cycle re-login uses, never the stale token.
	Email    string
	Password string

	// Interval between full cycles. Defaults to DefaultInterval.
	Interval time.Duration
}

// Status describes the engine's cycle history for the host collaborator.
type Status struct {
	Devices        int       `json:"devices"`
	Cycles         int       `json:"cycles"`
	FailedCycles   int       `json:"failedCycles"`
	LastCycleTime  time.Time `json:"lastCycleTime"`
	LastCycleError string    `json:"lastCycleError,omitempty"`
}

// Engine keeps a locally cached view of every registered battery in sync
// with the remote trading service and republishes fleet totals on a fixed
// schedule.
//
// All cycle work happens on the single goroutine inside Run, which is what
// guarantees at most one in-flight cycle, no interleaved view writes, and
// that a re-login during cycle k can never race a cycle k+1.
type Engine struct {
	api      API
	email    string
	password string
	interval time.Duration

	mu      sync.Mutex
	devices []types.Device
	views   map[string]types.DeviceView
	totals  types.FleetTotals
	status  Status

	notify chan struct{}
}

// Start logs in, discovers the account's devices and performs the initial
// snapshot fetch so the first aggregation pass has data. The returned engine
// does nothing further until Run is called.
func Start(ctx context.Context, api API, cfg Config) (*Engine, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	e := &Engine{
		api:      api,
		email:    cfg.Email,
		password: cfg.Password,
		interval: cfg.Interval,
		views:    make(map[string]types.DeviceView),
		notify:   make(chan struct{}, 1),
	}

	if _, err := api.Login(ctx, cfg.Email, cfg.Password); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	devices, err := api.SmartBatteries(ctx)
	if err != nil {
		return nil, fmt.Errorf("device discovery failed: %w", err)
	}
	if len(devices) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no smart batteries found on the account, nothing to poll")
	}
	for _, dev := range devices {
		log.Ctx(ctx).InfoContext(ctx, "discovered smart battery", slog.String("deviceID", dev.ID))
	}
	e.devices = devices
	e.status.Devices = len(devices)

	// Initial full snapshot so the startup aggregation pass in Run has
	// something to publish.
	if err := e.runCycle(ctx); err != nil {
		return nil, fmt.Errorf("initial snapshot failed: %w", err)
	}
	e.recordCycle(nil)

	return e, nil
}

// Run drives the scheduler until the context is canceled. It publishes
// totals from the cached views immediately, then runs one full cycle per
// tick. A tick that fires while a cycle is still running is dropped, not
// queued: the loop is single-goroutine and the ticker channel holds at most
// one pending tick.
func (e *Engine) Run(ctx context.Context) error {
	// startup pass from cached data only, no network fetch
	e.publishCached()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "engine shutting down")
			return nil
		case <-ticker.C:
			err := e.runCycle(ctx)
			e.recordCycle(err)
			if err != nil {
				// views keep their last-known-good values; we try again at
				// the next tick
				log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
			}
			// a tick that fired while the cycle ran is discarded, so the
			// next cycle waits for a fresh tick instead of starting
			// back-to-back
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// DeviceViews returns a copy of the latest known snapshot per device id.
func (e *Engine) DeviceViews() map[string]types.DeviceView {
	e.mu.Lock()
	defer e.mu.Unlock()
	views := make(map[string]types.DeviceView, len(e.views))
	for id, v := range e.views {
		views[id] = v
	}
	return views
}

// Totals returns the fleet totals computed by the most recent pass.
func (e *Engine) Totals() types.FleetTotals {
	e.mu.Lock()
	defer e.mu.Unlock()
	totals := e.totals
	if e.totals.Sums != nil {
		totals.Sums = make(map[string]float64, len(e.totals.Sums))
		for field, sum := range e.totals.Sums {
			totals.Sums[field] = sum
		}
	}
	return totals
}

// Status returns cycle counters and the last cycle error, if any.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Notify returns a channel that receives after the startup pass and after
// every successful cycle. The channel has a buffer of one; an unread
// notification coalesces with the next.
func (e *Engine) Notify() <-chan struct{} {
	return e.notify
}

// runCycle fetches a fresh snapshot of every device sequentially, resolves
// modes, replaces views and recomputes totals. Snapshots are staged in a
// local map and committed together, so an abort mid-cycle leaves every view
// untouched and a device view is never assembled from two different cycles.
func (e *Engine) runCycle(ctx context.Context) error {
	cycle := &cycleState{}
	updates := make(map[string]types.DeviceView, len(e.deviceList()))

	for _, dev := range e.deviceList() {
		snap, err := e.fetchSnapshot(ctx, cycle, dev.ID)
		if err != nil {
			if isApplicationError(err) {
				// only this device's update is lost this cycle; its view
				// keeps the last-known-good values
				log.Ctx(ctx).WarnContext(ctx, "skipping device this cycle",
					slog.String("deviceID", dev.ID),
					slog.Any("error", err),
				)
				continue
			}
			return fmt.Errorf("fetch for device %s failed: %w", dev.ID, err)
		}

		updates[dev.ID] = types.DeviceView{
			Device:        snap.details.Device,
			Settings:      snap.details.Settings,
			Summary:       snap.details.Summary,
			LatestSession: snap.session,
			ResolvedMode:  ResolveMode(snap.details.Settings),
		}
	}

	e.commit(updates)
	return nil
}

// commit replaces the fetched views, recomputes totals over the full current
// set and signals subscribers.
func (e *Engine) commit(updates map[string]types.DeviceView) {
	e.mu.Lock()
	for id, view := range updates {
		e.views[id] = view
	}
	e.totals = Aggregate(e.orderedViewsLocked())
	e.mu.Unlock()
	e.signal()
}

// publishCached recomputes totals from whatever views are cached, without
// any network fetch, and signals subscribers.
func (e *Engine) publishCached() {
	e.mu.Lock()
	e.totals = Aggregate(e.orderedViewsLocked())
	e.mu.Unlock()
	e.signal()
}

func (e *Engine) recordCycle(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Cycles++
	if err != nil {
		e.status.FailedCycles++
		e.status.LastCycleError = err.Error()
		return
	}
	e.status.LastCycleError = ""
	e.status.LastCycleTime = time.Now()
}

func (e *Engine) deviceList() []types.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices
}

// orderedViewsLocked returns the views in discovery order. Must be called
// with e.mu held.
func (e *Engine) orderedViewsLocked() []types.DeviceView {
	views := make([]types.DeviceView, 0, len(e.views))
	for _, dev := range e.devices {
		if v, ok := e.views[dev.ID]; ok {
			views = append(views, v)
		}
	}
	return views
}

func (e *Engine) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func isApplicationError(err error) bool {
	var appErr *frank.ApplicationError
	return errors.As(err, &appErr)
}

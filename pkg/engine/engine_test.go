package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetwatt/fleetwatt/pkg/frank"
	"github.com/fleetwatt/fleetwatt/pkg/log"
	"github.com/fleetwatt/fleetwatt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) Login(ctx context.Context, email, password string) (types.Credentials, error) {
	args := m.Called(ctx, email, password)
	return args.Get(0).(types.Credentials), args.Error(1)
}

func (m *mockAPI) SmartBatteries(ctx context.Context) ([]types.Device, error) {
	args := m.Called(ctx)
	return args.Get(0).([]types.Device), args.Error(1)
}

func (m *mockAPI) SmartBattery(ctx context.Context, deviceID string) (frank.BatteryDetails, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(frank.BatteryDetails), args.Error(1)
}

func (m *mockAPI) SmartBatterySessions(ctx context.Context, deviceID string, start, end time.Time) (types.SessionResult, error) {
	args := m.Called(ctx, deviceID, start, end)
	return args.Get(0).(types.SessionResult), args.Error(1)
}

func testCreds() types.Credentials {
	return types.Credentials{AuthToken: "auth", RefreshToken: "refresh"}
}

func testDetails(id string) frank.BatteryDetails {
	return frank.BatteryDetails{
		Device: types.Device{ID: id, Brand: "Sessy", Capacity: 5.2},
		Settings: types.DeviceSettings{
			BatteryMode:              "IMBALANCE_TRADING",
			ImbalanceTradingStrategy: "AGGRESSIVE",
		},
		Summary: types.DeviceSummary{
			LastKnownStateOfCharge: soc(55),
			LastKnownStatus:        "active",
			LastUpdate:             "2025-04-01T10:00:00Z",
		},
	}
}

func testSession(id string, total float64) types.SessionResult {
	return types.SessionResult{DeviceID: id, PeriodTotalResult: total}
}

func newTestEngine(api API, devices ...types.Device) *Engine {
	return &Engine{
		api:      api,
		email:    "user@example.com",
		password: "hunter2",
		interval: time.Minute,
		devices:  devices,
		views:    make(map[string]types.DeviceView),
		notify:   make(chan struct{}, 1),
	}
}

func TestRunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Successful Cycle", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").Return(testDetails("dev1"), nil)
		api.On("SmartBattery", mock.Anything, "dev2").Return(testDetails("dev2"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Return(testSession("dev1", 0.195), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev2", mock.Anything, mock.Anything).
			Return(testSession("dev2", 17.0), nil)

		e := newTestEngine(api, types.Device{ID: "dev1"}, types.Device{ID: "dev2"})
		require.NoError(t, e.runCycle(ctx))

		views := e.DeviceViews()
		require.Len(t, views, 2)
		assert.Equal(t, "imbalance_aggressive", views["dev1"].ResolvedMode)
		assert.Equal(t, 0.195, views["dev1"].LatestSession.PeriodTotalResult)

		totals := e.Totals()
		assert.InDelta(t, 17.195, totals.Sums[types.ResultFieldPeriodTotal], 0.0001)
		api.AssertExpectations(t)
	})

	t.Run("AuthExpired Once Retries Same Args", func(t *testing.T) {
		var starts, ends []time.Time
		capture := func(args mock.Arguments) {
			starts = append(starts, args.Get(2).(time.Time))
			ends = append(ends, args.Get(3).(time.Time))
		}

		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").Return(testDetails("dev1"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Run(capture).
			Return(types.SessionResult{}, frank.ErrAuthExpired).Once()
		api.On("Login", mock.Anything, "user@example.com", "hunter2").
			Return(testCreds(), nil).Once()
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Run(capture).
			Return(testSession("dev1", 1.0), nil)

		e := newTestEngine(api, types.Device{ID: "dev1"})
		require.NoError(t, e.runCycle(ctx))

		// exactly one re-login, and the retry targeted the same device and
		// the same date window as the original call
		api.AssertNumberOfCalls(t, "Login", 1)
		api.AssertNumberOfCalls(t, "SmartBatterySessions", 2)
		require.Len(t, starts, 2)
		assert.True(t, starts[0].Equal(starts[1]), "retry should reuse the original start date")
		assert.True(t, ends[0].Equal(ends[1]), "retry should reuse the original end date")
		require.Len(t, e.DeviceViews(), 1)
		api.AssertExpectations(t)
	})

	t.Run("AuthExpired Twice Aborts With No Updates", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").
			Return(frank.BatteryDetails{}, frank.ErrAuthExpired)
		api.On("Login", mock.Anything, "user@example.com", "hunter2").
			Return(testCreds(), nil).Once()

		e := newTestEngine(api, types.Device{ID: "dev1"}, types.Device{ID: "dev2"})
		err := e.runCycle(ctx)

		var authErr *frank.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Empty(t, e.DeviceViews(), "a failed cycle must not update any view")
		api.AssertNumberOfCalls(t, "Login", 1)
		api.AssertNotCalled(t, "SmartBattery", mock.Anything, "dev2")
	})

	t.Run("Relogin Failure Aborts With AuthError", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").
			Return(frank.BatteryDetails{}, frank.ErrAuthExpired).Once()
		api.On("Login", mock.Anything, "user@example.com", "hunter2").
			Return(types.Credentials{}, &frank.AuthError{Err: errors.New("bad password")})

		e := newTestEngine(api, types.Device{ID: "dev1"})
		err := e.runCycle(ctx)

		var authErr *frank.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Empty(t, e.DeviceViews())
	})

	t.Run("One Relogin Per Cycle Across Devices", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").
			Return(frank.BatteryDetails{}, frank.ErrAuthExpired).Once()
		api.On("Login", mock.Anything, "user@example.com", "hunter2").
			Return(testCreds(), nil).Once()
		api.On("SmartBattery", mock.Anything, "dev1").Return(testDetails("dev1"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Return(testSession("dev1", 1.0), nil)
		api.On("SmartBattery", mock.Anything, "dev2").
			Return(frank.BatteryDetails{}, frank.ErrAuthExpired)

		e := newTestEngine(api, types.Device{ID: "dev1"}, types.Device{ID: "dev2"})
		err := e.runCycle(ctx)

		var authErr *frank.AuthError
		require.ErrorAs(t, err, &authErr)
		api.AssertNumberOfCalls(t, "Login", 1)
		assert.Empty(t, e.DeviceViews(), "aborted cycle commits nothing, not even the device that succeeded")
	})

	t.Run("ApplicationError Skips Only That Device", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").
			Return(frank.BatteryDetails{}, &frank.ApplicationError{Errors: []frank.APIError{{Message: "boom"}}})
		api.On("SmartBattery", mock.Anything, "dev2").Return(testDetails("dev2"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev2", mock.Anything, mock.Anything).
			Return(testSession("dev2", 2.5), nil)

		e := newTestEngine(api, types.Device{ID: "dev1"}, types.Device{ID: "dev2"})
		stale := types.DeviceView{ResolvedMode: "imbalance", LatestSession: testSession("dev1", 9.0)}
		e.views["dev1"] = stale

		require.NoError(t, e.runCycle(ctx))

		views := e.DeviceViews()
		require.Len(t, views, 2)
		assert.Equal(t, stale, views["dev1"], "skipped device keeps its last-known-good view")
		assert.Equal(t, 2.5, views["dev2"].LatestSession.PeriodTotalResult)
	})

	t.Run("TransportError Aborts Cycle", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").
			Return(frank.BatteryDetails{}, &frank.TransportError{Status: 502})

		e := newTestEngine(api, types.Device{ID: "dev1"}, types.Device{ID: "dev2"})
		err := e.runCycle(ctx)

		var transportErr *frank.TransportError
		require.ErrorAs(t, err, &transportErr)
		api.AssertNotCalled(t, "SmartBattery", mock.Anything, "dev2")
		assert.Empty(t, e.DeviceViews())
	})

	t.Run("Notify Signaled On Commit", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").Return(testDetails("dev1"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Return(testSession("dev1", 1.0), nil)

		e := newTestEngine(api, types.Device{ID: "dev1"})
		require.NoError(t, e.runCycle(ctx))

		select {
		case <-e.Notify():
		default:
			t.Fatal("expected a notification after a successful cycle")
		}
	})
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("Logs In And Discovers", func(t *testing.T) {
		api := &mockAPI{}
		api.On("Login", mock.Anything, "user@example.com", "hunter2").Return(testCreds(), nil)
		api.On("SmartBatteries", mock.Anything).Return([]types.Device{{ID: "dev1"}}, nil)
		api.On("SmartBattery", mock.Anything, "dev1").Return(testDetails("dev1"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Return(testSession("dev1", 1.0), nil)

		e, err := Start(ctx, api, Config{Email: "user@example.com", Password: "hunter2"})
		require.NoError(t, err)
		assert.Equal(t, DefaultInterval, e.interval)

		status := e.Status()
		assert.Equal(t, 1, status.Devices)
		assert.Equal(t, 1, status.Cycles)
		assert.Zero(t, status.FailedCycles)
		require.Len(t, e.DeviceViews(), 1)
	})

	t.Run("Empty Fleet Is Valid", func(t *testing.T) {
		api := &mockAPI{}
		api.On("Login", mock.Anything, "user@example.com", "hunter2").Return(testCreds(), nil)
		api.On("SmartBatteries", mock.Anything).Return([]types.Device{}, nil)

		e, err := Start(ctx, api, Config{Email: "user@example.com", Password: "hunter2"})
		require.NoError(t, err)
		assert.Empty(t, e.DeviceViews())
		assert.Zero(t, e.Totals().Sums[types.ResultFieldPeriodTotal])
	})

	t.Run("Login Failure", func(t *testing.T) {
		api := &mockAPI{}
		api.On("Login", mock.Anything, "user@example.com", "nope").
			Return(types.Credentials{}, &frank.AuthError{Err: errors.New("bad password")})

		_, err := Start(ctx, api, Config{Email: "user@example.com", Password: "nope"})
		var authErr *frank.AuthError
		require.ErrorAs(t, err, &authErr)
	})
}

func TestRun(t *testing.T) {
	t.Run("Publishes Cached Totals Immediately", func(t *testing.T) {
		api := &mockAPI{}
		e := newTestEngine(api, types.Device{ID: "dev1"})
		e.interval = time.Hour
		e.views["dev1"] = types.DeviceView{LatestSession: testSession("dev1", 3.0)}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- e.Run(ctx) }()

		select {
		case <-e.Notify():
		case <-time.After(time.Second):
			t.Fatal("expected the startup pass to publish without waiting for a tick")
		}
		assert.Equal(t, 3.0, e.Totals().Sums[types.ResultFieldPeriodTotal])

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancellation")
		}
	})

	t.Run("Ticks Drive Cycles", func(t *testing.T) {
		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").Return(testDetails("dev1"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Return(testSession("dev1", 1.0), nil)

		e := newTestEngine(api, types.Device{ID: "dev1"})
		e.interval = 10 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		// drain the startup pass, then wait for a real cycle
		<-e.Notify()
		select {
		case <-e.Notify():
		case <-time.After(time.Second):
			t.Fatal("expected a cycle to run on the first tick")
		}
		require.Len(t, e.DeviceViews(), 1)
		assert.GreaterOrEqual(t, e.Status().Cycles, 1)
	})

	t.Run("Mid-Cycle Tick Is Dropped", func(t *testing.T) {
		const (
			interval = 50 * time.Millisecond
			cycleDur = 130 * time.Millisecond
		)

		var mu sync.Mutex
		var starts []time.Time

		api := &mockAPI{}
		api.On("SmartBattery", mock.Anything, "dev1").Run(func(mock.Arguments) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			// a cycle slower than the interval, so ticks fire mid-cycle
			time.Sleep(cycleDur)
		}).Return(testDetails("dev1"), nil)
		api.On("SmartBatterySessions", mock.Anything, "dev1", mock.Anything, mock.Anything).
			Return(testSession("dev1", 1.0), nil)

		e := newTestEngine(api, types.Device{ID: "dev1"})
		e.interval = interval

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go e.Run(ctx)

		deadline := time.After(2 * time.Second)
		for {
			mu.Lock()
			n := len(starts)
			mu.Unlock()
			if n >= 2 {
				break
			}
			select {
			case <-deadline:
				t.Fatal("expected two cycles to run")
			case <-time.After(5 * time.Millisecond):
			}
		}
		cancel()

		mu.Lock()
		delta := starts[1].Sub(starts[0])
		mu.Unlock()
		// the ticks that fired mid-cycle must be discarded: the second cycle
		// waits for a fresh tick after the first one finishes instead of
		// starting back-to-back at roughly the cycle duration
		assert.GreaterOrEqual(t, delta, cycleDur+interval/4,
			"second cycle should wait for a fresh tick, not consume one queued mid-cycle")
	})
}

package hass

import (
	"fmt"
	"testing"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/alexjbarnes/ha-sync/internal/metrics"
	"github.com/alexjbarnes/ha-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"
)

type memCursors struct {
	cursor int
	saved  []int
}

func (m *memCursors) PeriodicCursor() int { return m.cursor }

func (m *memCursors) SetPeriodicCursor(cursor int) error {
	m.cursor = cursor
	m.saved = append(m.saved, cursor)

	return nil
}

func (h *harness) markInitialDone() {
	h.c.mu.Lock()
	h.c.initial.done = true
	h.c.mu.Unlock()
}

func (h *harness) queuePriority(ids ...string) {
	h.c.mu.Lock()
	for _, id := range ids {
		h.c.queuePriorityLocked(id)
	}
	h.c.mu.Unlock()
}

func (h *harness) priorityLen() int {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()

	return h.c.prio.len()
}

// --- Priority sync ---

func TestPriority_RequeuesOnTransientError(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	gomock.InOrder(
		api.EXPECT().FetchState(gomock.Any(), "sensor.a").
			Return(nil, &errors.TransientError{Err: fmt.Errorf("503 service unavailable")}),
		api.EXPECT().FetchState(gomock.Any(), "sensor.a").
			Return([]byte(stateJSON("sensor.a", "7")), nil),
	)

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(false, "sensor.a")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.queuePriority("sensor.a")
	h.tick()
	assert.Equal(t, 1, h.priorityLen(), "transient failure goes back on the queue")

	h.step(time.Second)
	assert.Equal(t, 1, h.priorityLen(), "retry waits")

	h.step(time.Second)
	assert.Zero(t, h.priorityLen())

	e, ok := h.c.Store().Get("sensor.a")
	require.True(t, ok)
	assert.Equal(t, "7", e.State)
}

func TestPriority_DropsOnPermanentError(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	api.EXPECT().FetchState(gomock.Any(), "sensor.gone").
		Return(nil, fmt.Errorf("fetch: %w", errors.ErrNotFound)).Times(1)

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(false, "sensor.gone")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.queuePriority("sensor.gone")
	h.tick()
	h.step(2 * time.Second)

	assert.Zero(t, h.priorityLen())
}

func TestPriority_DeferredByCommandBoost(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(false, "sensor.a")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.c.mu.Lock()
	h.c.boostUntil = h.now.Add(priorityBoost)
	h.c.mu.Unlock()

	h.queuePriority("sensor.a")
	h.step(time.Second)
	assert.Equal(t, 1, h.priorityLen())

	api.EXPECT().FetchState(gomock.Any(), "sensor.a").Return([]byte(stateJSON("sensor.a", "1")), nil)
	h.step(priorityBoost)
	assert.Zero(t, h.priorityLen())
}

func TestPriority_WaitsForOpenBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(false, "sensor.a")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.c.mu.Lock()
	level := h.c.budget.level
	limiter := h.c.budget.limiters[level]
	h.c.budget.limiters[level] = rate.NewLimiter(0, 0)
	h.c.mu.Unlock()

	deferred := testutil.ToFloat64(metrics.SyncStepsTotal.WithLabelValues("priority", "deferred"))

	h.queuePriority("sensor.a")
	h.step(time.Second)

	assert.Equal(t, 1, h.priorityLen(), "no open allowance, entity stays queued")
	assert.Greater(t, testutil.ToFloat64(metrics.SyncStepsTotal.WithLabelValues("priority", "deferred")), deferred)

	h.c.mu.Lock()
	h.c.budget.limiters[level] = limiter
	h.c.mu.Unlock()

	api.EXPECT().FetchState(gomock.Any(), "sensor.a").Return([]byte(stateJSON("sensor.a", "1")), nil)
	h.step(time.Second)
	assert.Zero(t, h.priorityLen())
}

func TestSyncOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("fetch: %w", errors.ErrNotFound), "not_found"},
		{&errors.TransientError{Err: fmt.Errorf("503")}, "transient"},
		{errors.ErrNotSupported, "not_supported"},
		{errors.ErrBudgetDeferred, "deferred"},
		{errors.ErrInvalidResponse, "error"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, syncOutcome(tc.err))
	}
}

func TestPriority_WebsocketForecastRequest(t *testing.T) {
	h := newHarness(t, ClientConfig{Layout: snapOf(true, "weather.home")})
	h.connect()
	h.authenticate()

	for range 3 {
		h.step(time.Second)
	}

	req := h.tr.lastOfType(t, "get_states")
	h.tr.deliver(fmt.Sprintf(`{"id":%d,"type":"result","success":true,"result":[%s]}`,
		req.Get("id").Uint(),
		`{"entity_id":"weather.home","state":"sunny","attributes":{"temperature":18}}`))
	h.tick()

	for i := 0; i < 20 && len(h.tr.sentOfType("call_service")) == 0; i++ {
		h.step(500 * time.Millisecond)
	}

	require.True(t, h.c.InitialSyncDone())

	call := h.tr.lastOfType(t, "call_service")
	assert.Equal(t, "weather", call.Get("domain").String())
	assert.Equal(t, "get_forecasts", call.Get("service").String())
	assert.Equal(t, "daily", call.Get("service_data.type").String())
	assert.Equal(t, "weather.home", call.Get("target.entity_id").String())
	assert.True(t, call.Get("return_response").Bool())

	h.drainNotifications()

	h.tr.deliver(fmt.Sprintf(`{"id":%d,"type":"result","success":true,"result":{"response":{"weather.home":{"forecast":[`+
		`{"datetime":"2026-03-02","condition":"rainy","temperature":12,"templow":4},`+
		`{"datetime":"2026-03-03","condition":"sunny","temperature":15,"templow":6}]}}}}`,
		call.Get("id").Uint()))
	h.tick()

	e, ok := h.c.Store().Get("weather.home")
	require.True(t, ok)
	require.True(t, e.HasForecast())
	assert.Len(t, e.Weather.Forecast, 2)
	assert.Equal(t, "rainy", e.Weather.Forecast[0].Condition)

	assert.Equal(t, 1, countKind(h.drainNotifications(), StateChanged))
}

func TestPriority_WebsocketSkipsNonWeather(t *testing.T) {
	h := newHarness(t, ClientConfig{Layout: snapOf(false, "light.a")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.queuePriority("light.a")
	h.step(wsForecastGrace)

	assert.Zero(t, h.priorityLen())
	assert.Empty(t, h.tr.sentOfType("call_service"))
}

func TestPriority_WebsocketForecastTimesOut(t *testing.T) {
	h := newHarness(t, ClientConfig{Layout: snapOf(true, "weather.home", "weather.cabin")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.queuePriority("weather.home", "weather.cabin")
	h.step(wsForecastGrace)
	require.Len(t, h.tr.sentOfType("call_service"), 1)

	// One request at a time.
	h.step(time.Second)
	require.Len(t, h.tr.sentOfType("call_service"), 1)

	h.step(forecastTimeout)
	h.tick()

	calls := h.tr.sentOfType("call_service")
	require.Len(t, calls, 2)
	assert.Equal(t, "weather.cabin", calls[1].Get("target.entity_id").String())
}

// --- Periodic sync ---

func TestPeriodic_WalksCursorAndPersists(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)
	cursors := &memCursors{cursor: 1}

	gomock.InOrder(
		api.EXPECT().FetchState(gomock.Any(), "sensor.b").Return([]byte(stateJSON("sensor.b", "2")), nil),
		api.EXPECT().FetchState(gomock.Any(), "sensor.a").Return([]byte(stateJSON("sensor.a", "1")), nil),
	)

	h := newHarness(t, ClientConfig{
		RESTEnabled: true,
		REST:        api,
		Cursors:     cursors,
		Layout:      snapOf(false, "sensor.a", "sensor.b"),
	})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	step := budgetProfiles[budgetNormal].periodicStep

	// Driven directly: the session would time out its keepalive across
	// jumps this long.
	h.now = h.now.Add(step)
	h.c.stepPeriodic(h.ctx, h.now)
	assert.Equal(t, []int{0}, cursors.saved)

	h.now = h.now.Add(step / 2)
	h.c.stepPeriodic(h.ctx, h.now)
	assert.Equal(t, []int{0}, cursors.saved, "not due again until a full step later")

	h.now = h.now.Add(step / 2)
	h.c.stepPeriodic(h.ctx, h.now)
	assert.Equal(t, []int{0, 1}, cursors.saved)
}

func TestPeriodic_TransientFailureUsesRetryDelay(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	api.EXPECT().FetchState(gomock.Any(), "sensor.a").
		Return(nil, &errors.TransientError{Err: fmt.Errorf("timeout")}).Times(1)

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(false, "sensor.a")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.now = h.now.Add(budgetProfiles[budgetNormal].periodicStep)
	h.c.stepPeriodic(h.ctx, h.now)

	h.c.mu.Lock()
	assert.Equal(t, h.now.Add(periodicRetry), h.c.periodic.due)
	h.c.mu.Unlock()
}

func TestPeriodic_DisabledWithoutREST(t *testing.T) {
	h := newHarness(t, ClientConfig{Layout: snapOf(false, "sensor.a")})
	h.connect()
	h.authenticate()
	h.markInitialDone()

	h.c.mu.Lock()
	h.c.periodic.due = h.now
	h.c.mu.Unlock()

	// A nil REST client would panic if the periodic tier ran.
	assert.NotPanics(t, func() { h.step(time.Second) })
}

// --- Initial sync ---

func TestInitial_CompletionQueuesMissingForecasts(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	weather := `{"entity_id":"weather.home","state":"cloudy","attributes":{"temperature":9}}`

	api.EXPECT().FetchState(gomock.Any(), "weather.home").Return([]byte(weather), nil)
	api.EXPECT().FetchDailyForecast(gomock.Any(), "weather.home").
		Return(nil, &errors.TransientError{Err: fmt.Errorf("timeout")})

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(true, "weather.home")})
	h.connect()
	h.authenticate()

	for i := 0; i < 10 && !h.c.InitialSyncDone(); i++ {
		h.step(500 * time.Millisecond)
	}

	require.True(t, h.c.InitialSyncDone())

	h.c.mu.Lock()
	assert.True(t, h.c.prio.contains("weather.home"))
	h.c.mu.Unlock()
}

func TestInitial_FetchesForecastWithState(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	weather := `{"entity_id":"weather.home","state":"cloudy","attributes":{"temperature":9}}`
	temp := 11.0

	api.EXPECT().FetchState(gomock.Any(), "weather.home").Return([]byte(weather), nil)
	api.EXPECT().FetchDailyForecast(gomock.Any(), "weather.home").
		Return([]models.ForecastDay{{Datetime: "2026-03-02", Condition: "cloudy", Temperature: &temp}}, nil)

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(true, "weather.home")})
	h.connect()
	h.authenticate()

	for i := 0; i < 10 && !h.c.InitialSyncDone(); i++ {
		h.step(500 * time.Millisecond)
	}

	e, ok := h.c.Store().Get("weather.home")
	require.True(t, ok)
	assert.True(t, e.HasForecast())

	h.c.mu.Lock()
	assert.Zero(t, h.c.prio.len(), "nothing left to fetch")
	h.c.mu.Unlock()
}

func TestInitial_TransientFailuresDeferBackgroundWork(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := NewMockStateAPI(ctrl)

	ids := []string{"sensor.a", "sensor.b", "sensor.c", "sensor.d"}
	for _, id := range ids[:3] {
		api.EXPECT().FetchState(gomock.Any(), id).Return(nil, &errors.TransientError{Err: fmt.Errorf("refused")})
	}

	h := newHarness(t, ClientConfig{RESTEnabled: true, REST: api, Layout: snapOf(false, ids...)})
	h.connect()
	h.authenticate()

	// Each failure pushes the walk back by the retry delay.
	for range 3 {
		h.step(initialRetry)
	}

	h.c.mu.Lock()
	assert.Equal(t, 3, h.c.initial.index)
	assert.True(t, h.c.budget.deferred(h.now))
	h.c.mu.Unlock()

	// sensor.d is not fetched while deferred.
	h.step(time.Second)
}

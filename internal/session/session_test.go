package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/db"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/geoloc"
	"bus-tracker/internal/route"
	"bus-tracker/internal/status"
	"bus-tracker/internal/tracker"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hhmm string) time.Time {
	t, err := route.ResolveClock(day, hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type mapLoader map[string]route.Route

func (m mapLoader) LoadRoute(_ context.Context, name string, _ time.Time) (route.Route, error) {
	r, ok := m[name]
	if !ok {
		return route.Route{}, fmt.Errorf("%w: %q", db.ErrRouteNotFound, name)
	}
	return r, nil
}

// countingStore records how many statuses were published.
type countingStore struct {
	*status.MemoryStore
	mu sync.Mutex
	n  int
}

func (c *countingStore) Publish(ctx context.Context, s *status.TrackingStatus) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.MemoryStore.Publish(ctx, s)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func pt(lng float64) geo.Point { return geo.Point{Lng: lng} }

func routes() mapLoader {
	mid := at("08:05")
	return mapLoader{
		"A": {
			Name: "A",
			Points: []route.StopPoint{
				route.NewOrigin("a0", "Depot", pt(0), at("08:00")),
				route.NewIntermediate("a1", "Market", pt(0.01), &mid),
				route.NewDestination("a2", "Square", pt(0.02), at("08:10")),
			},
		},
		"B": {
			Name: "B",
			Points: []route.StopPoint{
				route.NewOrigin("b0", "Square", pt(0.02), at("08:15")),
				route.NewDestination("b1", "Beach", pt(0.04), at("08:25")),
			},
		},
		"bad": {
			Name: "bad",
			Points: []route.StopPoint{
				route.NewOrigin("x0", "Depot", pt(0), at("09:00")),
				route.NewDestination("x1", "Beach", pt(0.01), at("08:00")),
			},
		},
	}
}

func newController(t *testing.T, loader RouteLoader) (*Controller, *countingStore, *clock) {
	t.Helper()
	clk := &clock{now: at("07:55")}
	store := &countingStore{MemoryStore: status.NewMemoryStore()}
	c := NewController(loader, store, Config{
		Tracker:         tracker.DefaultConfig(),
		PublishInterval: 5 * time.Millisecond,
		Location:        time.UTC,
		Now:             clk.Now,
	}, nil)
	t.Cleanup(func() { _ = c.Stop() })
	return c, store, clk
}

func read(t *testing.T, s status.Consumer) *status.TrackingStatus {
	t.Helper()
	st, err := s.Read(context.Background())
	require.NoError(t, err)
	return st
}

func sample(lng float64) geoloc.Fix {
	return geoloc.SampleFix(geoloc.Sample{Position: pt(lng)})
}

func TestStartRejectsBadInput(t *testing.T) {
	c, store, _ := newController(t, routes())
	ctx := context.Background()

	_, err := c.Start(ctx, nil, geoloc.NewFeed())
	assert.ErrorIs(t, err, ErrEmptyQueue)

	_, err = c.Start(ctx, []string{"missing"}, geoloc.NewFeed())
	assert.ErrorIs(t, err, db.ErrRouteNotFound)

	_, err = c.Start(ctx, []string{"bad"}, geoloc.NewFeed())
	assert.ErrorIs(t, err, route.ErrInvalidSchedule)

	_, err = store.Read(ctx)
	assert.ErrorIs(t, err, status.ErrNotFound)
	assert.ErrorIs(t, c.Stop(), ErrNotTracking)
}

func TestStartPublishesInitialStatus(t *testing.T) {
	c, store, _ := newController(t, routes())
	id, err := c.Start(context.Background(), []string{"A", "B"}, geoloc.NewFeed())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = c.Start(context.Background(), []string{"A"}, geoloc.NewFeed())
	assert.ErrorIs(t, err, ErrAlreadyTracking)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsTracking)
	assert.False(t, st.HasError)
	assert.Equal(t, id, st.SessionID)
	assert.Equal(t, "A", st.RouteName)
	assert.Equal(t, []string{"A", "B"}, st.TrackingQueueNames)
	assert.Equal(t, -1, st.DepartedIndex)
	assert.Equal(t, 0, st.HeadingToIndex)
	assert.True(t, st.WaitingAtOrigin)
	assert.Nil(t, st.LastKnownPosition)
	assert.Len(t, st.RouteStops, 3)
	// at the origin five minutes before departure
	assert.Equal(t, int64(5*60*1000), st.DeviationMillis)

	published := read(t, store)
	assert.Equal(t, id, published.SessionID)
}

func TestPositionSamplesDriveTheQueue(t *testing.T) {
	c, store, clk := newController(t, routes())
	ctx := context.Background()
	_, err := c.Start(ctx, []string{"A", "B"}, geoloc.NewFeed())
	require.NoError(t, err)

	clk.Set(at("08:00"))
	require.NoError(t, c.Push(ctx, sample(0.005)))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.DepartedIndex)
	assert.False(t, st.WaitingAtOrigin)
	// halfway between 08:00 and 08:05
	assert.InDelta(t, 150000, st.DeviationMillis, 1000)
	assert.InDelta(t, 0.5, st.ProgressFraction, 0.01)

	require.NoError(t, c.Push(ctx, sample(0.01)))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DepartedIndex)

	// arriving at A's destination starts B, which begins at the same place
	require.NoError(t, c.Push(ctx, sample(0.02)))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", st.RouteName)
	assert.Equal(t, 1, st.CurrentRouteIndexInQueue)
	assert.Equal(t, -1, st.DepartedIndex)
	assert.True(t, st.WaitingAtOrigin)

	require.NoError(t, c.Push(ctx, sample(0.04)))
	require.NoError(t, c.Push(ctx, sample(0.04)))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end after the last leg")
	}
	final := read(t, store)
	assert.False(t, final.IsTracking)
	assert.Equal(t, "B", final.RouteName)

	_, err = c.Status(ctx)
	assert.ErrorIs(t, err, ErrNotTracking)
	assert.ErrorIs(t, c.Advance(ctx), ErrNotTracking)
}

func TestManualControl(t *testing.T) {
	c, _, _ := newController(t, routes())
	ctx := context.Background()
	_, err := c.Start(ctx, []string{"A"}, geoloc.NewFeed())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Advance(ctx), tracker.ErrManualOverrideOff)
	assert.ErrorIs(t, c.Retreat(ctx), tracker.ErrManualOverrideOff)

	require.NoError(t, c.SetManualOverride(ctx, true))
	require.NoError(t, c.Advance(ctx))
	require.NoError(t, c.Advance(ctx))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.ManualOverride)
	assert.Equal(t, 1, st.DepartedIndex)

	// samples are recorded but do not move the cursor
	require.NoError(t, c.Push(ctx, sample(0.02)))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DepartedIndex)
	require.NotNil(t, st.LastKnownPosition)

	require.NoError(t, c.Retreat(ctx))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.DepartedIndex)

	// back to automatic: the vehicle sits on the destination
	require.NoError(t, c.SetManualOverride(ctx, false))
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("resync at the destination should complete the only leg")
	}
}

func TestGeolocationErrorFreezesDeviation(t *testing.T) {
	c, store, clk := newController(t, routes())
	ctx := context.Background()
	_, err := c.Start(ctx, []string{"A"}, geoloc.NewFeed())
	require.NoError(t, err)

	clk.Set(at("08:00"))
	require.NoError(t, c.Push(ctx, sample(0.005)))
	require.NoError(t, c.Push(ctx, geoloc.ErrorFix(geoloc.Timeout, "no fix")))

	clk.Set(at("08:03"))
	before := store.count()
	require.Eventually(t, func() bool { return store.count() > before+2 }, time.Second, time.Millisecond)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsTracking)
	assert.True(t, st.HasError)
	require.NotNil(t, st.ErrorReason)
	assert.Equal(t, "Timeout", *st.ErrorReason)
	assert.InDelta(t, 150000, st.DeviationMillis, 1000)

	require.NoError(t, c.Push(ctx, sample(0.005)))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.HasError)
	assert.Nil(t, st.ErrorReason)
	assert.InDelta(t, -30000, st.DeviationMillis, 1000)
}

func TestFixesFromSource(t *testing.T) {
	c, store, clk := newController(t, routes())
	feed := geoloc.NewFeed()
	_, err := c.Start(context.Background(), []string{"A"}, feed)
	require.NoError(t, err)

	clk.Set(at("08:00"))
	feed.Push(sample(0.005))
	require.Eventually(t, func() bool {
		st, err := store.Read(context.Background())
		return err == nil && st.DepartedIndex == 0
	}, time.Second, time.Millisecond)
}

func TestStopIsFinal(t *testing.T) {
	c, store, _ := newController(t, routes())
	ctx := context.Background()
	_, err := c.Start(ctx, []string{"A"}, geoloc.NewFeed())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.count() > 2 }, time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	final := read(t, store)
	assert.False(t, final.IsTracking)

	n := store.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, store.count())
	assert.ErrorIs(t, c.Stop(), ErrNotTracking)

	// a new session can start afterwards
	_, err = c.Start(ctx, []string{"A"}, geoloc.NewFeed())
	require.NoError(t, err)
}

func TestNextLegFailureStopsSession(t *testing.T) {
	loader := routes()
	c, store, _ := newController(t, loader)
	ctx := context.Background()
	_, err := c.Start(ctx, []string{"A", "bad"}, geoloc.NewFeed())
	require.NoError(t, err)

	require.NoError(t, c.SetManualOverride(ctx, true))
	for range 4 {
		require.NoError(t, c.Advance(ctx))
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("session should end when the next leg cannot be tracked")
	}
	final := read(t, store)
	assert.False(t, final.IsTracking)
	assert.True(t, final.HasError)
	require.NotNil(t, final.ErrorReason)
	assert.Contains(t, *final.ErrorReason, "bad")
}

// gatedStore holds back the final isTracking=false status until gate closes.
type gatedStore struct {
	*status.MemoryStore
	gate    chan struct{}
	blocked chan struct{}
	once    sync.Once
}

func (g *gatedStore) Publish(ctx context.Context, s *status.TrackingStatus) error {
	if !s.IsTracking {
		g.once.Do(func() { close(g.blocked) })
		select {
		case <-g.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.MemoryStore.Publish(ctx, s)
}

func TestStartWaitsForStopToFinish(t *testing.T) {
	store := &gatedStore{MemoryStore: status.NewMemoryStore(), gate: make(chan struct{}), blocked: make(chan struct{})}
	c := NewController(routes(), store, Config{
		Tracker:         tracker.DefaultConfig(),
		PublishInterval: 5 * time.Millisecond,
		Location:        time.UTC,
		Now:             func() time.Time { return at("07:55") },
	}, nil)
	t.Cleanup(func() { _ = c.Stop() })
	ctx := context.Background()

	_, err := c.Start(ctx, []string{"A"}, geoloc.NewFeed())
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	<-store.blocked

	// the old session is still writing its final status
	_, err = c.Start(ctx, []string{"B"}, geoloc.NewFeed())
	assert.ErrorIs(t, err, ErrAlreadyTracking)

	close(store.gate)
	require.NoError(t, <-stopped)

	id, err := c.Start(ctx, []string{"B"}, geoloc.NewFeed())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := store.Read(ctx)
		return err == nil && st.IsTracking && st.SessionID == id
	}, time.Second, time.Millisecond)
	st := read(t, store)
	assert.Equal(t, "B", st.RouteName)
}

// slowLoader blocks every load until release closes.
type slowLoader struct {
	mapLoader
	entered chan struct{}
	release chan struct{}
}

func (l slowLoader) LoadRoute(ctx context.Context, name string, day time.Time) (route.Route, error) {
	l.entered <- struct{}{}
	<-l.release
	return l.mapLoader.LoadRoute(ctx, name, day)
}

func TestSlowRouteLoadDoesNotBlockController(t *testing.T) {
	loader := slowLoader{mapLoader: routes(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	c, _, _ := newController(t, loader)
	ctx := context.Background()

	started := make(chan error, 1)
	go func() {
		_, err := c.Start(ctx, []string{"A"}, geoloc.NewFeed())
		started <- err
	}()
	<-loader.entered

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, ErrNotTracking)
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind a route load")
	}
	_, err := c.Status(ctx)
	assert.ErrorIs(t, err, ErrNotTracking)

	close(loader.release)
	require.NoError(t, <-started)
	_, err = c.Status(ctx)
	assert.NoError(t, err)
}

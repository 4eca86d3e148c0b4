package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/pmbot/pkg/models"
)

// fakeExecutor returns scripted results and records calls.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	fn     func(ctx context.Context, req *Request) (*Response, error)
	health error
}

func (f *fakeExecutor) Generate(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &Response{Content: "ok"}, nil
}

func (f *fakeExecutor) Health(ctx context.Context) error {
	return f.health
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func failing(err error) *fakeExecutor {
	return &fakeExecutor{fn: func(ctx context.Context, req *Request) (*Response, error) { return nil, err }}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRouter(t *testing.T, c *clock) *Router {
	t.Helper()
	if c == nil {
		c = &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	}
	return New(Config{Cooldown: time.Minute}, WithClock(c.Now))
}

func agentWith(backends ...string) *models.Agent {
	return &models.Agent{ID: "agent-1", Backends: backends}
}

func TestRegister_Validation(t *testing.T) {
	r := newTestRouter(t, nil)
	exec := &fakeExecutor{}

	require.NoError(t, r.Register(Backend{ID: "a", Locality: models.LocalityLocal, Executor: exec}))
	assert.Error(t, r.Register(Backend{ID: "a", Locality: models.LocalityLocal, Executor: exec}), "duplicate")
	assert.Error(t, r.Register(Backend{ID: "", Locality: models.LocalityLocal, Executor: exec}))
	assert.Error(t, r.Register(Backend{ID: "b", Locality: "mars", Executor: exec}))
	assert.Error(t, r.Register(Backend{ID: "c", Locality: models.LocalityCloud}))

	backends := r.Backends()
	require.Len(t, backends, 1)
	assert.Equal(t, 1, backends[0].MaxLoad)
	assert.True(t, backends[0].Available)
}

func TestExecute_PreferenceOrder(t *testing.T) {
	r := newTestRouter(t, nil)
	local := &fakeExecutor{fn: func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Content: "from local"}, nil
	}}
	cloud := &fakeExecutor{}
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, MaxLoad: 2, Executor: local}))
	require.NoError(t, r.Register(Backend{ID: "cloud", Locality: models.LocalityCloud, MaxLoad: 2, Executor: cloud}))

	resp, err := r.Execute(context.Background(), agentWith("local", "cloud"), &Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "from local", resp.Content)
	assert.Equal(t, "local", resp.Backend)
	assert.Equal(t, 0, cloud.Calls())
}

func TestExecute_FailureFallsBackAndCoolsDown(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRouter(t, c)
	bad := failing(errors.New("connection refused"))
	good := &fakeExecutor{}
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, Executor: bad}))
	require.NoError(t, r.Register(Backend{ID: "cloud", Locality: models.LocalityCloud, Executor: good}))

	resp, err := r.Execute(context.Background(), agentWith("local", "cloud"), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "cloud", resp.Backend)
	assert.Equal(t, 1, bad.Calls())

	state := r.Backends()[0]
	assert.False(t, state.Available)
	assert.Equal(t, int64(1), state.Failures)
	assert.Equal(t, 0, state.Load)

	// During cool-down the failed backend is skipped without a call.
	_, err = r.Execute(context.Background(), agentWith("local", "cloud"), &Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, bad.Calls())

	c.Advance(2 * time.Minute)
	assert.True(t, r.Backends()[0].Available)
}

func TestExecute_ThrottleExtendsCooldown(t *testing.T) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRouter(t, c)
	require.NoError(t, r.Register(Backend{ID: "cloud", Locality: models.LocalityCloud,
		Executor: failing(&ThrottleError{RetryAfter: 10 * time.Minute})}))

	_, err := r.Execute(context.Background(), agentWith("cloud"), &Request{})
	require.Error(t, err)

	c.Advance(5 * time.Minute)
	assert.False(t, r.Backends()[0].Available, "still throttled past the default cool-down")
	c.Advance(6 * time.Minute)
	assert.True(t, r.Backends()[0].Available)
}

func TestExecute_AllBackendsExhausted(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, Executor: &fakeExecutor{}}))
	require.NoError(t, r.Register(Backend{ID: "cloud", Locality: models.LocalityCloud, Executor: failing(errors.New("500"))}))
	require.NoError(t, r.SetAvailable("local", false))

	_, err := r.Execute(context.Background(), agentWith("local", "ghost", "cloud"), &Request{})

	var exhausted *AllBackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "agent-1", exhausted.AgentID)
	require.Len(t, exhausted.Attempts, 3)

	var unavailable *BackendUnavailableError
	require.ErrorAs(t, exhausted.Attempts[0], &unavailable)
	assert.Equal(t, "local", unavailable.Backend)
	assert.Equal(t, ReasonUnavailable, unavailable.Reason)

	require.ErrorAs(t, exhausted.Attempts[1], &unavailable)
	assert.Equal(t, ReasonUnknown, unavailable.Reason)

	var backendErr *BackendError
	require.ErrorAs(t, exhausted.Attempts[2], &backendErr)
	assert.Equal(t, "cloud", backendErr.Backend)
}

func TestExecute_NoBackends(t *testing.T) {
	r := newTestRouter(t, nil)
	_, err := r.Execute(context.Background(), agentWith(), &Request{})
	var exhausted *AllBackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Empty(t, exhausted.Attempts)
}

func TestExecute_AtCapacitySkipped(t *testing.T) {
	r := newTestRouter(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	slow := &fakeExecutor{fn: func(ctx context.Context, req *Request) (*Response, error) {
		close(started)
		<-release
		return &Response{Content: "slow"}, nil
	}}
	fallback := &fakeExecutor{}
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, MaxLoad: 1, Executor: slow}))
	require.NoError(t, r.Register(Backend{ID: "cloud", Locality: models.LocalityCloud, MaxLoad: 1, Executor: fallback}))

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), &models.Agent{ID: "first", Backends: []string{"local"}}, &Request{})
		done <- err
	}()
	<-started

	resp, err := r.Execute(context.Background(), &models.Agent{ID: "second", Backends: []string{"local", "cloud"}}, &Request{})
	require.NoError(t, err)
	assert.Equal(t, "cloud", resp.Backend)
	assert.True(t, r.Backends()[0].Available, "capacity skips do not start a cool-down")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, r.Backends()[0].Load)
}

func TestExecute_LeastLoadedWithinLocality(t *testing.T) {
	r := newTestRouter(t, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	busy := &fakeExecutor{fn: func(ctx context.Context, req *Request) (*Response, error) {
		started <- struct{}{}
		<-release
		return &Response{Content: "busy"}, nil
	}}
	idle := &fakeExecutor{}
	require.NoError(t, r.Register(Backend{ID: "gpu-a", Locality: models.LocalityLocal, MaxLoad: 4, Executor: busy}))
	require.NoError(t, r.Register(Backend{ID: "gpu-b", Locality: models.LocalityLocal, MaxLoad: 4, Executor: idle}))

	go func() {
		_, _ = r.Execute(context.Background(), &models.Agent{ID: "first", Backends: []string{"gpu-a"}}, &Request{})
	}()
	<-started

	resp, err := r.Execute(context.Background(), &models.Agent{ID: "second", Backends: []string{"gpu-a", "gpu-b"}}, &Request{})
	require.NoError(t, err)
	assert.Equal(t, "gpu-b", resp.Backend, "equal locality prefers the least-loaded backend")
	close(release)
}

func TestExecute_CancelledContextDoesNotPenalize(t *testing.T) {
	r := newTestRouter(t, nil)
	blocking := &fakeExecutor{fn: func(ctx context.Context, req *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, Executor: blocking}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Execute(ctx, agentWith("local"), &Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	state := r.Backends()[0]
	assert.True(t, state.Available)
	assert.Equal(t, int64(0), state.Failures)
	assert.Equal(t, 0, state.Load)
}

func TestExecute_AttemptTimeoutFallsBack(t *testing.T) {
	r := New(Config{Cooldown: time.Minute, AttemptTimeout: 10 * time.Millisecond})
	hung := &fakeExecutor{fn: func(ctx context.Context, req *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, Executor: hung}))
	require.NoError(t, r.Register(Backend{ID: "cloud", Locality: models.LocalityCloud, Executor: &fakeExecutor{}}))

	resp, err := r.Execute(context.Background(), agentWith("local", "cloud"), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "cloud", resp.Backend)
}

func TestExecute_EmptyResponseIsFailure(t *testing.T) {
	r := newTestRouter(t, nil)
	empty := &fakeExecutor{fn: func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{}, nil
	}}
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, Executor: empty}))

	_, err := r.Execute(context.Background(), agentWith("local"), &Request{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestReleaseAgent_Idempotent(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Register(Backend{ID: "local", Locality: models.LocalityLocal, MaxLoad: 2, Executor: &fakeExecutor{}}))

	id, _, ok := r.acquire("agent-x", []string{"local"}, map[string]bool{})
	require.True(t, ok)
	assert.Equal(t, "local", id)
	assert.Equal(t, 1, r.Backends()[0].Load)

	r.ReleaseAgent("agent-x")
	r.ReleaseAgent("agent-x")
	assert.Equal(t, 0, r.Backends()[0].Load)
}

func TestHealthCheck_TogglesAvailability(t *testing.T) {
	r := newTestRouter(t, nil)
	require.NoError(t, r.Register(Backend{ID: "up", Locality: models.LocalityLocal, Executor: &fakeExecutor{}}))
	require.NoError(t, r.Register(Backend{ID: "down", Locality: models.LocalityLocal, Executor: &fakeExecutor{health: errors.New("no route")}}))

	results := r.HealthCheck(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["up"])
	assert.Error(t, results["down"])

	states := r.Backends()
	assert.True(t, states[0].Available)
	assert.False(t, states[1].Available)
}

func TestHealthCheck_KeepsOperatorDisable(t *testing.T) {
	r := newTestRouter(t, nil)
	flaky := &fakeExecutor{health: errors.New("connection refused")}
	require.NoError(t, r.Register(Backend{ID: "manual", Locality: models.LocalityLocal, Executor: &fakeExecutor{}}))
	require.NoError(t, r.Register(Backend{ID: "flaky", Locality: models.LocalityLocal, Executor: flaky}))

	require.NoError(t, r.SetAvailable("manual", false))
	r.HealthCheck(context.Background())

	states := r.Backends()
	assert.False(t, states[0].Available, "a passing health check must not undo an operator disable")
	assert.False(t, states[1].Available)

	_, err := r.Execute(context.Background(), agentWith("manual", "flaky"), &Request{Prompt: "x"})
	var exhausted *AllBackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)

	flaky.health = nil
	r.HealthCheck(context.Background())
	states = r.Backends()
	assert.False(t, states[0].Available)
	assert.True(t, states[1].Available, "a passing health check restores a backend it took out")

	require.NoError(t, r.SetAvailable("manual", true))
	assert.True(t, r.Backends()[0].Available)
}

package weather

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	calls   atomic.Int32
	release chan struct{} // when set, calls block until closed
	mu      sync.Mutex
	results []error // consumed per call; nil entry means success
	temp    float64
}

func (p *fakeProvider) CurrentTemperature(ctx context.Context) (float64, error) {
	p.calls.Add(1)
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) > 0 {
		err := p.results[0]
		p.results = p.results[1:]
		if err != nil {
			return 0, err
		}
	}
	return p.temp, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(p Provider) (*Cache, *clock, *[]time.Duration) {
	clk := &clock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	var sleeps []time.Duration
	c := NewCache(p, DefaultConfig())
	c.SetClock(clk.now)
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, clk, &sleeps
}

func TestFreshEntryServedFromCache(t *testing.T) {
	p := &fakeProvider{temp: 4.2}
	c, clk, _ := newTestCache(p)
	ctx := context.Background()

	r, err := c.OutdoorTemperature(ctx)
	if err != nil || r.Source != SourceAPI || r.Temperature != 4.2 {
		t.Fatalf("first lookup = %+v, %v; want api 4.2", r, err)
	}

	clk.advance(9 * time.Minute)
	r, err = c.OutdoorTemperature(ctx)
	if err != nil || r.Source != SourceCache || r.Temperature != 4.2 {
		t.Errorf("second lookup = %+v, %v; want cache 4.2", r, err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", p.calls.Load())
	}

	clk.advance(time.Minute)
	p.temp = 6.0
	r, _ = c.OutdoorTemperature(ctx)
	if r.Source != SourceAPI || r.Temperature != 6.0 {
		t.Errorf("expired entry should be refetched, got %+v", r)
	}
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	p := &fakeProvider{temp: -1.5, release: make(chan struct{})}
	c, _, _ := newTestCache(p)

	const callers = 3
	var wg sync.WaitGroup
	results := make([]Reading, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.OutdoorTemperature(context.Background())
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	close(p.release)
	wg.Wait()

	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
			continue
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got %+v, caller 0 got %+v", i, results[i], results[0])
		}
	}
	if results[0].Source != SourceAPI || results[0].Temperature != -1.5 {
		t.Errorf("shared result = %+v", results[0])
	}
}

func TestLateCallerReusesCompletedFetch(t *testing.T) {
	p := &fakeProvider{temp: 2.0}
	c, clk, _ := newTestCache(p)
	ctx := context.Background()

	if _, err := c.OutdoorTemperature(ctx); err != nil {
		t.Fatalf("seed lookup failed: %v", err)
	}
	clk.advance(11 * time.Minute)
	p.temp = 7.0

	// the next clock read blocks, holding caller A between its freshness
	// check and the shared fetch
	var hold atomic.Bool
	hold.Store(true)
	arrived := make(chan struct{})
	resume := make(chan struct{})
	c.SetClock(func() time.Time {
		if hold.CompareAndSwap(true, false) {
			close(arrived)
			<-resume
		}
		return clk.now()
	})

	var a Reading
	var aErr error
	done := make(chan struct{})
	go func() {
		a, aErr = c.OutdoorTemperature(ctx)
		close(done)
	}()
	<-arrived

	b, err := c.OutdoorTemperature(ctx)
	if err != nil || b.Source != SourceAPI || b.Temperature != 7.0 {
		t.Fatalf("caller B = %+v, %v; want api 7.0", b, err)
	}

	close(resume)
	<-done
	if aErr != nil {
		t.Fatalf("caller A: %v", aErr)
	}
	if a.Source != SourceCache || a.Temperature != 7.0 {
		t.Errorf("caller A = %+v, want cache 7.0", a)
	}
	if got := p.calls.Load(); got != 2 {
		t.Errorf("provider called %d times, want 2 (seed + one refresh)", got)
	}
}

func TestRetryExhaustionFallsBackToStaleCache(t *testing.T) {
	p := &fakeProvider{temp: 3.0}
	c, clk, sleeps := newTestCache(p)
	ctx := context.Background()

	if _, err := c.OutdoorTemperature(ctx); err != nil {
		t.Fatalf("seed lookup failed: %v", err)
	}
	clk.advance(time.Hour)

	boom := errors.New("connection refused")
	p.mu.Lock()
	p.results = []error{boom, boom, boom}
	p.mu.Unlock()

	r, err := c.OutdoorTemperature(ctx)
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if r.Source != SourceCache || r.Temperature != 3.0 {
		t.Errorf("fallback = %+v, want cached 3.0", r)
	}
	if got := p.calls.Load(); got != 4 {
		t.Errorf("provider called %d times, want 1 seed + 3 attempts", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("backoff = %v, want %v", *sleeps, want)
	}
}

func TestUnavailableWithoutCache(t *testing.T) {
	boom := errors.New("503 service unavailable")
	p := &fakeProvider{results: []error{boom, boom, boom}}
	c, _, _ := newTestCache(p)

	_, err := c.OutdoorTemperature(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error should carry the last attempt's error, got %v", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Errorf("expected *UnavailableError, got %T", err)
	}

	// the in-flight marker is cleared, so a later call fetches again
	r, err := c.OutdoorTemperature(context.Background())
	if err != nil || r.Source != SourceAPI {
		t.Errorf("retry after failure = %+v, %v", r, err)
	}
}

func TestRecoveryOnSecondAttempt(t *testing.T) {
	p := &fakeProvider{temp: 12.5, results: []error{errors.New("timeout"), nil}}
	c, _, sleeps := newTestCache(p)

	r, err := c.OutdoorTemperature(context.Background())
	if err != nil || r.Source != SourceAPI || r.Temperature != 12.5 {
		t.Fatalf("got %+v, %v", r, err)
	}
	if len(*sleeps) != 1 {
		t.Errorf("expected one backoff sleep, got %v", *sleeps)
	}
}

func TestNotConfiguredFailsFast(t *testing.T) {
	c, _, sleeps := newTestCache(nil)
	if _, err := c.OutdoorTemperature(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}

	ow := NewOpenWeather(DefaultOpenWeatherConfig())
	c2, _, sleeps2 := newTestCache(ow)
	if _, err := c2.OutdoorTemperature(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if len(*sleeps)+len(*sleeps2) != 0 {
		t.Error("configuration errors must not be retried")
	}
}

package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/config"
)

func fakeSpec() computer.Spec {
	return computer.Spec{OSType: computer.OSLinux, ProviderType: "fake"}
}

func newTestPool(t *testing.T, size int) (*Pool, *computer.FakeProvisioner) {
	t.Helper()
	prov := computer.NewFakeProvisioner()
	computer.RegisterProvisioner("fake", prov)
	return NewPool(size, 200*time.Millisecond, nil), prov
}

func newTestManager(t *testing.T, poolSize int) (*Manager, *computer.FakeProvisioner) {
	t.Helper()
	pool, prov := newTestPool(t, poolSize)
	m := NewManager(pool, config.SessionConfig{
		IdleTimeout:     50 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, nil, nil)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, prov
}

func TestPoolAcquireReusesIdleHandle(t *testing.T) {
	pool, prov := newTestPool(t, 2)
	defer pool.Shutdown(context.Background())

	c1, err := pool.Acquire(context.Background(), fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	pool.Release(c1)
	c2, err := pool.Acquire(context.Background(), fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("idle handle was not reused")
	}
	if len(prov.Opened()) != 1 {
		t.Errorf("provisioner opened %d computers, want 1", len(prov.Opened()))
	}
}

// S6: pool of one, two concurrent sessions; the second fails fast with
// ErrPoolExhausted and the first proceeds.
func TestPoolExhaustion(t *testing.T) {
	m, _ := newTestManager(t, 1)

	first, err := m.Acquire(context.Background(), "s1", fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	if first.Computer == nil {
		t.Fatal("first session has no computer")
	}

	_, err = m.Acquire(context.Background(), "s2", fakeSpec())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("second acquire = %v, want ErrPoolExhausted", err)
	}

	// The first session keeps working.
	if _, err := first.Computer.Screenshot(context.Background()); err != nil {
		t.Errorf("first session broken after exhaustion: %v", err)
	}
}

func TestPoolWaiterGetsReleasedHandle(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	defer pool.Shutdown(context.Background())
	pool.acquireTimeout = 2 * time.Second

	c1, err := pool.Acquire(context.Background(), fakeSpec())
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan computer.Computer, 1)
	go func() {
		c, err := pool.Acquire(context.Background(), fakeSpec())
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
		}
		got <- c
	}()

	time.Sleep(50 * time.Millisecond)
	pool.Release(c1)

	select {
	case c := <-got:
		if c != c1 {
			t.Error("waiter received a different handle")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestSessionReusesItsComputer(t *testing.T) {
	m, prov := newTestManager(t, 3)
	s1, err := m.Acquire(context.Background(), "s1", fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Acquire(context.Background(), "s1", fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	if s1.Computer != s2.Computer {
		t.Error("session swapped computers between acquires")
	}
	if len(prov.Opened()) != 1 {
		t.Errorf("opened %d computers for one session", len(prov.Opened()))
	}
}

func TestIdleEviction(t *testing.T) {
	m, _ := newTestManager(t, 2)
	s, err := m.Acquire(context.Background(), "idle-session", fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	leased := s.Computer

	m.evictIdle(time.Now().Add(time.Minute))

	m.mu.Lock()
	_, stillThere := m.sessions["idle-session"]
	m.mu.Unlock()
	if stillThere {
		t.Error("idle session survived eviction")
	}

	// The evicted session's handle is back in the pool.
	c, err := m.pool.Acquire(context.Background(), fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	if c != leased {
		t.Error("released handle not reused")
	}
}

func TestActiveSessionNotEvicted(t *testing.T) {
	m, _ := newTestManager(t, 2)
	if _, err := m.Acquire(context.Background(), "busy", fakeSpec()); err != nil {
		t.Fatal(err)
	}
	task, _, err := m.StartTask(context.Background(), "busy")
	if err != nil {
		t.Fatal(err)
	}
	defer m.EndTask(task)

	m.evictIdle(time.Now().Add(time.Hour))

	m.mu.Lock()
	_, stillThere := m.sessions["busy"]
	m.mu.Unlock()
	if !stillThere {
		t.Error("session with an active task was evicted")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	pool, prov := newTestPool(t, 2)
	m := NewManager(pool, config.SessionConfig{IdleTimeout: time.Minute, ShutdownTimeout: time.Second}, nil, nil)

	s, err := m.Acquire(context.Background(), "s1", fakeSpec())
	if err != nil {
		t.Fatal(err)
	}
	name := s.Computer.Name()

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())

	if got := prov.CloseCount(name); got != 1 {
		t.Errorf("handle closed %d times, want exactly 1", got)
	}
	if _, err := m.Acquire(context.Background(), "s2", fakeSpec()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("acquire after shutdown = %v", err)
	}
}

func TestShutdownAwaitsActiveTasks(t *testing.T) {
	m, _ := newTestManager(t, 1)
	if _, err := m.Acquire(context.Background(), "s1", fakeSpec()); err != nil {
		t.Fatal(err)
	}
	task, runCtx, err := m.StartTask(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}

	finished := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
		case <-time.After(200 * time.Millisecond):
		}
		m.EndTask(task)
		close(finished)
	}()

	start := time.Now()
	m.Shutdown(context.Background())
	if time.Since(start) < 150*time.Millisecond {
		t.Error("shutdown returned before the task finished")
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Error("task goroutine never finished")
	}
}

func TestCancelSession(t *testing.T) {
	m, _ := newTestManager(t, 1)
	if _, err := m.Acquire(context.Background(), "s1", fakeSpec()); err != nil {
		t.Fatal(err)
	}
	task, runCtx, err := m.StartTask(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer m.EndTask(task)

	m.CancelSession("s1")
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Error("task context not cancelled")
	}
}

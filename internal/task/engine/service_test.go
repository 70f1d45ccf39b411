package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reminderd/internal/eventbus"
	logx "reminderd/pkg/logx"
)

func startExec(t *testing.T, cfg Config) *Executor {
	t.Helper()
	e := New(cfg, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func TestExecutorSerializes(t *testing.T) {
	t.Parallel()

	e := startExec(t, Config{QueueSize: 64})
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		order   []int
	)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = e.Do(context.Background(), "work", func(context.Context) error {
				mu.Lock()
				active++
				maxSeen = max(maxSeen, active)
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("tasks overlapped: max concurrent=%d", maxSeen)
	}
	if len(order) != 20 {
		t.Fatalf("ran %d tasks", len(order))
	}
}

func TestDoReturnsTaskErrorAndRecoversPanic(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	e := New(Config{}, logx.Nop(), bus)
	e.Start(context.Background())
	defer e.Stop(context.Background())

	want := errors.New("nope")
	if err := e.Do(context.Background(), "fail", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("err=%v", err)
	}
	err := e.Do(context.Background(), "panic", func(context.Context) error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("panic err=%v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TaskFailed {
				t.Fatalf("event=%s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing task event")
		}
	}
	snap := e.Snapshot()
	if snap.Executed != 2 || snap.Failed != 2 || len(snap.History) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestNestedDoRunsDirectly(t *testing.T) {
	t.Parallel()

	e := startExec(t, Config{})
	ran := false
	err := e.Do(context.Background(), "outer", func(ctx context.Context) error {
		return e.Do(ctx, "inner", func(context.Context) error {
			ran = true
			return nil
		})
	})
	if err != nil || !ran {
		t.Fatalf("nested do: ran=%v err=%v", ran, err)
	}
}

func TestSubmitQueueFullAndStopped(t *testing.T) {
	t.Parallel()

	e := New(Config{QueueSize: 1}, logx.Nop(), nil)
	if err := e.Submit("early", func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit before start: %v", err)
	}
	e.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	_ = e.Submit("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	if err := e.Submit("fill", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := e.Submit("overflow", func(context.Context) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow: %v", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := e.Snapshot().Executed; got != 2 {
		t.Fatalf("executed=%d, want 2 (queued work drains on stop)", got)
	}
	if err := e.Do(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("do after stop: %v", err)
	}
}

func TestInlineRunsOnCaller(t *testing.T) {
	t.Parallel()

	e := NewInline(logx.Nop(), nil)
	n := 0
	if err := e.Submit("a", func(context.Context) error { n++; return nil }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n != 1 {
		t.Fatalf("inline submit did not run synchronously")
	}
	if err := e.Do(context.Background(), "b", func(context.Context) error { n++; return nil }); err != nil || n != 2 {
		t.Fatalf("inline do n=%d err=%v", n, err)
	}
}

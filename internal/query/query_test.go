package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRefetchCachesValue(t *testing.T) {
	var calls atomic.Int32
	q := New(func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}, Options{Name: "counter"})

	if _, ok := q.Data(); ok {
		t.Fatal("Data() should report no value before the first fetch")
	}
	v, err := q.Refetch(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("Refetch() = %d, %v; want 1, nil", v, err)
	}
	if got, ok := q.Data(); !ok || got != 1 {
		t.Errorf("Data() = %d, %v; want 1, true", got, ok)
	}
}

func TestRefetchErrorKeepsValue(t *testing.T) {
	fail := false
	boom := errors.New("boom")
	q := New(func(context.Context) (string, error) {
		if fail {
			return "", boom
		}
		return "ok", nil
	}, Options{})

	if _, err := q.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	fail = true
	if _, err := q.Refetch(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Refetch() error = %v, want boom", err)
	}
	if v, _ := q.Data(); v != "ok" {
		t.Errorf("Data() = %q, want the previous value", v)
	}
	if !errors.Is(q.Err(), boom) {
		t.Errorf("Err() = %v, want boom", q.Err())
	}

	fail = false
	if _, err := q.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if q.Err() != nil {
		t.Errorf("Err() = %v after a successful fetch", q.Err())
	}
}

func TestStaleResponseIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	q := New(func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-release
			return "stale", nil
		}
		return "fresh", nil
	}, Options{})

	done := make(chan string)
	go func() {
		v, _ := q.Refetch(context.Background())
		done <- v
	}()
	// Wait until the slow fetch has started.
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if v, _ := q.Refetch(context.Background()); v != "fresh" {
		t.Fatalf("second Refetch() = %q, want fresh", v)
	}
	close(release)
	if v := <-done; v != "fresh" {
		t.Errorf("superseded Refetch() returned %q, want the newer value", v)
	}
	if v, _ := q.Data(); v != "fresh" {
		t.Errorf("Data() = %q, want fresh", v)
	}
}

func TestUpdateWinsOverInflightFetch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	q := New(func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	}, Options{})

	done := make(chan int)
	go func() {
		v, _ := q.Refetch(context.Background())
		done <- v
	}()
	<-started
	q.Update(func(v *int) { *v = 7 })
	close(release)
	<-done
	if v, _ := q.Data(); v != 7 {
		t.Errorf("Data() = %d, want the local update 7", v)
	}
}

func TestOnChange(t *testing.T) {
	q := New(func(context.Context) (int, error) { return 3, nil }, Options{})
	var seen []int
	q.OnChange(func(v int) { seen = append(seen, v) })

	if _, err := q.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	q.Update(func(v *int) { *v++ })
	if len(seen) != 2 || seen[0] != 3 || seen[1] != 4 {
		t.Errorf("OnChange saw %v, want [3 4]", seen)
	}
}

func TestPoll(t *testing.T) {
	var calls atomic.Int32
	q := New(func(context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		q.Poll(ctx)
		close(stopped)
	}()
	deadline := time.After(2 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("Poll did not refetch")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-stopped
}

func TestPollDisabled(t *testing.T) {
	q := New(func(context.Context) (int, error) { return 0, nil }, Options{})
	done := make(chan struct{})
	go func() {
		q.Poll(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poll without an interval should return immediately")
	}
}

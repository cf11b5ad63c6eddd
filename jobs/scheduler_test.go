package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anjiri1684/groupgate/jobs"
	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newFakeRedis() *fakeRedis { return &fakeRedis{values: map[string]string{}} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, held := f.values[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] == fmt.Sprint(args[0]) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockerIsExclusive(t *testing.T) {
	rdb := newFakeRedis()
	locker := jobs.NewRedisLocker(rdb, "groupgate:")
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "job:expiry", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, held := rdb.values["groupgate:job:expiry"]; !held {
		t.Fatalf("expected prefixed key to be set, got %v", rdb.values)
	}

	if _, ok, err := locker.Acquire(ctx, "job:expiry", time.Minute); err != nil || ok {
		t.Fatalf("second acquire should fail without error: ok=%v err=%v", ok, err)
	}

	release()
	if _, ok, _ := locker.Acquire(ctx, "job:expiry", time.Minute); !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	rdb := newFakeRedis()
	locker := jobs.NewRedisLocker(rdb, "")
	release, _, _ := locker.Acquire(context.Background(), "k", time.Minute)

	// Lease expired and another executor took it.
	rdb.values["k"] = "someone-else"
	release()

	if rdb.values["k"] != "someone-else" {
		t.Fatal("release must not delete another holder's lease")
	}
}

func TestRedisLockerSurfacesErrors(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	_, ok, err := jobs.NewRedisLocker(rdb, "").Acquire(context.Background(), "k", time.Minute)
	if err == nil || ok {
		t.Fatalf("expected error, got ok=%v err=%v", ok, err)
	}
}

func TestLocalLockerExpiresLeases(t *testing.T) {
	locker := jobs.NewLocalLocker()
	ctx := context.Background()

	if _, ok, _ := locker.Acquire(ctx, "k", 20*time.Millisecond); !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok, _ := locker.Acquire(ctx, "k", time.Minute); ok {
		t.Fatal("lease should still be held")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok, _ := locker.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatal("expired lease should be reclaimable")
	}
}

func TestSchedulerRegisterValidation(t *testing.T) {
	s := jobs.NewScheduler(nil, time.Second, time.Minute)
	noop := func(context.Context) error { return nil }

	if err := s.Register(jobs.Job{Name: "", Run: noop}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := s.Register(jobs.Job{Name: "a", Schedule: "not a schedule", Run: noop}); err == nil {
		t.Error("expected error for bad schedule")
	}
	if err := s.Register(jobs.Job{Name: "b", Schedule: "@every 1h", Run: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(jobs.Job{Name: "b", Run: noop}); err == nil {
		t.Error("expected error for duplicate name")
	}
	if err := s.Register(jobs.Job{Name: "a", Run: noop}); err != nil {
		t.Fatalf("register unscheduled: %v", err)
	}

	names := s.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v", names)
	}
}

func TestSchedulerRunNow(t *testing.T) {
	s := jobs.NewScheduler(nil, time.Second, time.Minute)
	var runs int32
	s.Register(jobs.Job{Name: "count", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})
	s.Register(jobs.Job{Name: "broken", Run: func(context.Context) error {
		return errors.New("boom")
	}})

	if err := s.RunNow("count"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := s.RunNow("count"); err != nil {
		t.Fatalf("RunNow again: %v", err)
	}
	if atomic.LoadInt32(&runs) != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
	if err := s.RunNow("broken"); err == nil {
		t.Error("expected job error to surface")
	}
	if err := s.RunNow("missing"); !errors.Is(err, jobs.ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
	if err := s.Trigger("missing"); !errors.Is(err, jobs.ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob from Trigger, got %v", err)
	}
}

func TestSchedulerSkipsWhenLeaseHeld(t *testing.T) {
	locker := jobs.NewLocalLocker()
	s := jobs.NewScheduler(locker, time.Second, time.Minute)
	ran := false
	s.Register(jobs.Job{Name: "expiry", Run: func(context.Context) error {
		ran = true
		return nil
	}})

	release, _, _ := locker.Acquire(context.Background(), "job:expiry", time.Minute)
	defer release()

	if err := s.RunNow("expiry"); !errors.Is(err, jobs.ErrJobBusy) {
		t.Fatalf("expected ErrJobBusy, got %v", err)
	}
	if ran {
		t.Error("job must not run while another executor holds the lease")
	}
}

func TestSchedulerRunDeadline(t *testing.T) {
	s := jobs.NewScheduler(nil, 20*time.Millisecond, time.Minute)
	s.Register(jobs.Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	err := s.RunNow("slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := jobs.NewScheduler(nil, time.Minute, time.Minute)
	started := make(chan struct{})
	finished := make(chan error, 1)
	s.Register(jobs.Job{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return ctx.Err()
	}})

	if s.Cancel("long") {
		t.Fatal("nothing should be running yet")
	}
	if err := s.Trigger("long"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job did not start")
	}
	if !s.Cancel("long") {
		t.Fatal("Cancel should report the in-flight run")
	}

	select {
	case err := <-finished:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("job ignored cancellation")
	}
	s.Stop()
}

func TestSchedulerRunOnStart(t *testing.T) {
	s := jobs.NewScheduler(nil, time.Second, time.Minute)
	done := make(chan struct{})
	s.Register(jobs.Job{Name: "boot", Schedule: "@every 1h", RunOnStart: true, Run: func(context.Context) error {
		close(done)
		return nil
	}})

	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run-on-start job did not run")
	}
}

func TestSchedulerStopCancelsRuns(t *testing.T) {
	s := jobs.NewScheduler(nil, time.Minute, time.Minute)
	started := make(chan struct{})
	s.Register(jobs.Job{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	s.Start()
	s.Trigger("long")
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the in-flight run")
	}
}

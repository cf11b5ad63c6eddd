package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobBusy    = errors.New("job is already running")
)

// RunFunc is one execution of a batch job.
type RunFunc func(ctx context.Context) error

type Job struct {
	Name       string
	Schedule   string
	RunOnStart bool
	Run        RunFunc
}

// Scheduler runs registered jobs on their cron schedules. Every run holds a lease so
// only one executor per job is active fleet-wide, gets its own deadline, and can be
// cancelled by name.
type Scheduler struct {
	cron       *cron.Cron
	locker     Locker
	runTimeout time.Duration
	lockTTL    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(locker Locker, runTimeout, lockTTL time.Duration) *Scheduler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		locker:     locker,
		runTimeout: runTimeout,
		lockTTL:    lockTTL,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       map[string]Job{},
		running:    map[string]context.CancelFunc{},
	}
}

func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("register job: name and run func are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("register job %s: already registered", job.Name)
	}
	if job.Schedule != "" {
		name := job.Name
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.runLogged(name) }); err != nil {
			return fmt.Errorf("register job %s: schedule %q: %w", job.Name, job.Schedule, err)
		}
	}
	s.jobs[job.Name] = job
	log.Printf("✅ Job %s registered (schedule %q, run on start %v)", job.Name, job.Schedule, job.RunOnStart)
	return nil
}

// Start begins the cron loop and kicks off jobs flagged to run immediately.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	var immediate []string
	for name, job := range s.jobs {
		if job.RunOnStart {
			immediate = append(immediate, name)
		}
	}
	s.mu.Unlock()
	for _, name := range immediate {
		s.Trigger(name)
	}
}

// Stop cancels in-flight runs and waits for them and the cron loop to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// Trigger starts a run in the background. It returns ErrUnknownJob for unregistered names.
func (s *Scheduler) Trigger(name string) error {
	if !s.has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLogged(name)
	}()
	return nil
}

// RunNow runs the job synchronously under the same lease and deadline rules as a scheduled run.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	release, acquired, err := s.locker.Acquire(s.ctx, "job:"+name, s.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrJobBusy, name)
	}
	defer release()

	ctx, cancel := context.WithTimeout(s.ctx, s.runTimeout)
	defer cancel()

	s.mu.Lock()
	s.running[name] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	log.Printf("Running job: %s...", name)
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	log.Printf("✅ Job %s finished in %s", name, time.Since(start).Round(time.Millisecond))
	return nil
}

// Cancel aborts the in-flight run of name on this instance and reports whether one existed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[name]
	if ok {
		cancel()
		log.Printf("⚠️ Job %s cancelled by operator", name)
	}
	return ok
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

func (s *Scheduler) runLogged(name string) {
	err := s.RunNow(name)
	switch {
	case err == nil:
	case errors.Is(err, ErrJobBusy):
		log.Printf("Job %s skipped: another run holds the lease", name)
	default:
		log.Printf("🔥 %v", err)
	}
}

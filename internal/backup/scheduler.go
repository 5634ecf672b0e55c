package backup

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the backup job on a cron schedule once the session is open.
type Scheduler struct {
	job    *Job
	spec   string
	bus    *bus.Bus
	logger *zap.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	started bool
	unsub   func()
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler validates spec and prepares the cron runner.
func NewScheduler(job *Job, spec string, b *bus.Bus, logger *zap.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("backup schedule %q: %w", spec, err)
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		job:    job,
		spec:   spec,
		bus:    b,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}, nil
}

// Start waits for session.opened in the background and then schedules the job.
// Later openings after a reconnect do not add more entries.
func (s *Scheduler) Start(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(bus.KindOpened, 4)
	s.unsub = unsub
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ch:
				if err := s.schedule(ctx); err != nil {
					s.logger.Error("failed to schedule backups", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	_, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.job.Run(ctx); err != nil {
			s.logger.Error("backup failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("backups scheduled", zap.String("schedule", s.spec))
	return nil
}

// Scheduled reports whether the cron entry is active.
func (s *Scheduler) Scheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stop cancels the watcher and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.unsub()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.cron.Stop().Done()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/logger"
)

var ErrInvalidSchedule = errors.New("invalid cron expression")

// Default cadences: permission sweeps hourly, job pruning and the tmp sweep
// daily during the quiet hours
const (
	DefaultPermissionSweepCron = "0 * * * *"
	DefaultJobSweepCron        = "30 3 * * *"
)

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSchedule, err)
	}
	return sched, nil
}

// SchedulerConfig holds the cron expressions; empty fields use the defaults
type SchedulerConfig struct {
	Jobs                *job.Store
	PermissionSweepCron string
	JobSweepCron        string
}

// cadence groups the operations that fire together on one cron schedule
type cadence struct {
	operations []string
	schedule   cron.Schedule
	next       time.Time
}

// Scheduler enqueues maintenance jobs: every operation once at startup, then
// each on its cron cadence
type Scheduler struct {
	jobs     *job.Store
	cadences []*cadence

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	permExpr := cfg.PermissionSweepCron
	if permExpr == "" {
		permExpr = DefaultPermissionSweepCron
	}
	jobExpr := cfg.JobSweepCron
	if jobExpr == "" {
		jobExpr = DefaultJobSweepCron
	}

	permSched, err := parseCron(permExpr)
	if err != nil {
		return nil, fmt.Errorf("permission sweep: %w", err)
	}
	jobSched, err := parseCron(jobExpr)
	if err != nil {
		return nil, fmt.Errorf("job sweep: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs: cfg.Jobs,
		cadences: []*cadence{
			{operations: []string{OpExpirePermissions}, schedule: permSched},
			{operations: []string{OpCleanupJobs, OpSweepTmp}, schedule: jobSched},
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start enqueues every operation once, then begins the cadence loop
func (s *Scheduler) Start() {
	now := time.Now()
	for _, c := range s.cadences {
		for _, op := range c.operations {
			s.enqueue(op)
		}
		c.next = c.schedule.Next(now)
	}

	s.wg.Add(1)
	go s.loop()
	logger.Info("Maintenance scheduler started")
}

// Stop halts the cadence loop. Jobs already enqueued stay in the queue.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("Maintenance scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, c := range s.cadences {
				if now.Before(c.next) {
					continue
				}
				for _, op := range c.operations {
					s.enqueue(op)
				}
				c.next = c.schedule.Next(now)
			}
		}
	}
}

// enqueue creates one maintenance job unless the same operation is already
// waiting or running
func (s *Scheduler) enqueue(operation string) {
	open, err := s.hasOpenOperation(operation)
	if err != nil {
		logger.Error("Failed to check open maintenance jobs: %v", err)
		return
	}
	if open {
		logger.Printf("⏭️ Skipping maintenance %s: previous run still open", operation)
		return
	}

	if _, err := s.jobs.Create(job.CreateInput{
		Type: job.TypeMaintenance,
		Data: Payload{Operation: operation},
	}); err != nil {
		logger.Error("Failed to enqueue maintenance %s: %v", operation, err)
	}
}

func (s *Scheduler) hasOpenOperation(operation string) (bool, error) {
	for _, status := range []job.Status{job.StatusPending, job.StatusRunning} {
		jobs, err := s.jobs.List(job.ListFilter{Type: job.TypeMaintenance, Status: status})
		if err != nil {
			return false, err
		}
		for _, j := range jobs {
			var payload Payload
			if err := json.Unmarshal(j.Data, &payload); err != nil {
				continue
			}
			if payload.Operation == operation {
				return true, nil
			}
		}
	}
	return false, nil
}

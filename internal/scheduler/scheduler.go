// Package scheduler runs the periodic maintenance jobs of the API process.
package scheduler

import (
	"context"
	"time"

	"campus-assistant/internal/logger"

	"github.com/go-co-op/gocron"
)

// Scheduler manages tagged interval jobs. A job never overlaps with itself.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
	ctx       context.Context
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops scheduling and cancels the context handed to running jobs.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	if s.cancel != nil {
		s.cancel()
	}
}

// ScheduleInterval runs job every duration, first after one full interval.
func (s *Scheduler) ScheduleInterval(tag string, duration time.Duration, job func(ctx context.Context) error) error {
	_, err := s.scheduler.Every(duration).WaitForSchedule().Tag(tag).Do(func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			logger.Warn("Scheduled job failed", "job", tag, "error", err, "duration", time.Since(start))
			return
		}
		logger.Debug("Scheduled job finished", "job", tag, "duration", time.Since(start))
	})
	return err
}

func (s *Scheduler) RemoveJob(tag string) error {
	return s.scheduler.RemoveByTag(tag)
}

// Tags lists the tags of all scheduled jobs.
func (s *Scheduler) Tags() []string {
	var tags []string
	for _, j := range s.scheduler.Jobs() {
		tags = append(tags, j.Tags()...)
	}
	return tags
}

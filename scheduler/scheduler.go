// Package scheduler fires the recurring jobs on Seoul wall-clock
// time: the 07:20 deep analysis, the 1-minute scanner and portfolio
// loops, the time-banded intraday pipeline and the 16:00 settlement.
// Jobs are single-instance; a tick landing while the previous run is
// still executing is skipped, and panics never leave the envelope.
package scheduler

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron specs per job, weekdays only. A job may carry several specs
// when its cadence changes across time bands.
var (
	SpecDailyDeepAnalysis = []string{"20 7 * * 1-5"}

	// Every minute 09:00-15:20.
	SpecMarketScanner = []string{"* 9-14 * * 1-5", "0-20 15 * * 1-5"}

	// Every minute 09:00-15:30.
	SpecPortfolioRecheck = []string{"* 9-14 * * 1-5", "0-30 15 * * 1-5"}

	// 10-60-30: every 10 min at the open, hourly through lunch, every
	// 20 min in the afternoon, every 10 min into the close.
	SpecIntradayPipeline = []string{
		"*/10 9 * * 1-5",
		"0 10-12 * * 1-5",
		"0,20,40 13-14 * * 1-5",
		"0,10,20 15 * * 1-5",
	}

	SpecDailySettlement = []string{"0 16 * * 1-5"}
)

// Job is one named recurring task.
type Job struct {
	Name  string
	Specs []string
	Run   func()
}

// Scheduler wraps robfig/cron with the job envelope.
type Scheduler struct {
	cron *cron.Cron
}

// New builds a scheduler in loc. The chain makes every job
// single-instance and panic-proof.
func New(loc *time.Location) *Scheduler {
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		),
	)
	return &Scheduler{cron: c}
}

// Register adds a job under each of its specs.
func (s *Scheduler) Register(job Job) error {
	run := envelope(job.Name, job.Run)
	for _, spec := range job.Specs {
		if _, err := s.cron.AddFunc(spec, run); err != nil {
			return err
		}
	}
	log.Printf("🗓️  Registered job %q (%d specs)", job.Name, len(job.Specs))
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("✅ Scheduler started")
}

// Stop halts new ticks and waits for running jobs, bounded at 30 s.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		log.Println("⚠️  Scheduler stop timed out with jobs still running")
	}
	log.Println("🛑 Scheduler stopped")
}

// envelope logs start/end and swallows panics; a faulty job must not
// take the process down.
func envelope(name string, run func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ Job %q panicked: %v", name, r)
			}
		}()
		start := time.Now()
		log.Printf("▶️  Job %q starting", name)
		run()
		log.Printf("⏹️  Job %q finished in %s", name, time.Since(start).Round(time.Millisecond))
	}
}

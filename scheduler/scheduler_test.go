package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestSpecsParse(t *testing.T) {
	all := map[string][]string{
		"daily-deep-analysis": SpecDailyDeepAnalysis,
		"market-scanner":      SpecMarketScanner,
		"portfolio-recheck":   SpecPortfolioRecheck,
		"intraday-pipeline":   SpecIntradayPipeline,
		"daily-settlement":    SpecDailySettlement,
	}
	for name, specs := range all {
		for _, spec := range specs {
			if _, err := cron.ParseStandard(spec); err != nil {
				t.Errorf("%s: spec %q does not parse: %v", name, spec, err)
			}
		}
	}
}

func TestIntradayBandBoundaries(t *testing.T) {
	// The band table, spot-checked at boundaries. Ticks in Seoul time.
	fires := func(at time.Time) bool {
		for _, spec := range SpecIntradayPipeline {
			sched, err := cron.ParseStandard(spec)
			if err != nil {
				t.Fatalf("parse %q: %v", spec, err)
			}
			// Next from one minute before; equality means the spec fires at `at`.
			if sched.Next(at.Add(-time.Minute)).Equal(at) {
				return true
			}
		}
		return false
	}

	loc := time.FixedZone("KST", 9*3600)
	day := func(h, m int) time.Time {
		// 2026-03-04 is a Wednesday.
		return time.Date(2026, 3, 4, h, m, 0, 0, loc)
	}

	want := map[time.Time]bool{
		day(9, 0):   true,
		day(9, 10):  true,
		day(9, 15):  false,
		day(10, 0):  true,
		day(10, 30): false,
		day(11, 0):  true,
		day(13, 0):  true,
		day(13, 20): true,
		day(13, 30): false,
		day(14, 40): true,
		day(15, 0):  true,
		day(15, 10): true,
		day(15, 20): true,
		day(15, 30): false,
	}
	for at, expect := range want {
		if got := fires(at); got != expect {
			t.Errorf("tick at %s: fires = %v, want %v", at.Format("15:04"), got, expect)
		}
	}

	// Weekend silence.
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, loc)
	if fires(saturday) {
		t.Error("intraday pipeline must not fire on Saturday")
	}
}

func TestEnvelopeSwallowsPanic(t *testing.T) {
	ran := false
	run := envelope("panicky", func() {
		ran = true
		panic("boom")
	})
	run() // must not propagate
	if !ran {
		t.Error("job body did not run")
	}
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	s := New(time.UTC)
	err := s.Register(Job{Name: "bad", Specs: []string{"not a spec"}, Run: func() {}})
	if err == nil {
		t.Error("expected error for an invalid spec")
	}
}

package scheduler

import "testing"

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("expected no error adding cron job, got %v", err)
	}
	if err := s.AddJob("@every 5m", func() {}); err != nil {
		t.Errorf("expected no error adding interval job, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("expected error for invalid expression")
	}
}

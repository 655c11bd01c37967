package supervisor

import (
	"context"
	"time"
)

// reconcileInterval mirrors the teacher's scheduler.go poll cadence,
// generalized from "run due scheduled actions" to "converge instances
// toward specs."
const reconcileInterval = 60 * time.Second

// Run starts the periodic reconcile loop, blocking until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("supervisor started")
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error("initial reconcile failed", "error", err)
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error("reconcile failed", "error", err)
			}
		}
	}
}

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/nevindra/oasis"
)

// Deploy requires spec to be declared and no live instance; creates one and
// starts its health-probe loop. Transition starting -> running happens
// asynchronously once the first health probe succeeds within
// startupTimeout; if no probe succeeds within startupTimeout the instance
// is marked failed.
func (s *Supervisor) Deploy(ctx context.Context, specID string) error {
	s.mu.Lock()
	spec, ok := s.specs[specID]
	if !ok {
		s.mu.Unlock()
		return &oasis.ConfigError{Field: "spec_id", Message: fmt.Sprintf("unknown spec %q", specID)}
	}
	if rec, exists := s.instances[specID]; exists && isLive(rec.instance.State) {
		s.mu.Unlock()
		return &oasis.ConfigError{Field: "spec_id", Message: fmt.Sprintf("spec %q already has a live instance", specID)}
	}
	rec := &instanceRecord{instance: oasis.AgentInstance{SpecID: specID, State: oasis.StateStarting, StartedAt: oasis.NowUnix()}}
	s.instances[specID] = rec
	s.mu.Unlock()

	var err error
	switch spec.Kind {
	case oasis.KindContainer:
		var handle string
		handle, err = s.container.Launch(ctx, spec)
		if err == nil {
			s.mu.Lock()
			rec.handle = handle
			s.mu.Unlock()
		}
	case oasis.KindProcess:
		var proc ProcessHandle
		proc, err = s.process.Start(spec)
		if err == nil {
			s.mu.Lock()
			rec.proc = proc
			s.mu.Unlock()
		}
	}
	if err != nil {
		s.setState(specID, oasis.StateFailed, err.Error())
		return err
	}

	go s.awaitFirstProbe(ctx, spec, rec)
	go s.healthLoop(ctx, spec)
	return nil
}

// awaitFirstProbe transitions starting -> running on the first successful
// probe, or starting -> failed if startupTimeout elapses first.
func (s *Supervisor) awaitFirstProbe(ctx context.Context, spec oasis.AgentSpec, rec *instanceRecord) {
	deadline := time.Now().Add(s.startupTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.probe(ctx, spec) {
				s.setState(spec.ID, oasis.StateRunning, "")
				return
			}
			if time.Now().After(deadline) {
				s.setState(spec.ID, oasis.StateFailed, "startup timeout: no successful health probe")
				return
			}
		}
	}
}

// healthLoop probes a running instance on probeInterval, driving
// running -> crash_loop -> (restart | failed) per spec §4.5.
func (s *Supervisor) healthLoop(ctx context.Context, spec oasis.AgentSpec) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			rec, ok := s.instances[spec.ID]
			state := oasis.InstanceState("")
			if ok {
				state = rec.instance.State
			}
			s.mu.Unlock()
			if !ok || state != oasis.StateRunning {
				continue
			}
			if s.probe(ctx, spec) {
				s.mu.Lock()
				rec.instance.LastHealthAt = oasis.NowUnix()
				s.mu.Unlock()
				continue
			}
			s.enterCrashLoop(ctx, spec)
			return
		}
	}
}

// probe runs the liveness check for spec.Kind (spec §4.5 "Health probing").
func (s *Supervisor) probe(ctx context.Context, spec oasis.AgentSpec) bool {
	s.mu.Lock()
	rec, ok := s.instances[spec.ID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	switch spec.Kind {
	case oasis.KindProcess:
		return rec.proc != nil && rec.proc.Alive()
	case oasis.KindContainer:
		if rec.handle == "" {
			return false
		}
		info, err := s.container.Inspect(ctx, rec.handle)
		if err != nil || !info.Running {
			return false
		}
		if probeCmd, ok := spec.Resources.Labels["health_probe_cmd"]; ok && probeCmd != "" {
			res, err := s.container.Exec(ctx, rec.handle, []string{"sh", "-c", probeCmd})
			return err == nil && res.ExitCode == 0
		}
		return true
	default:
		return false
	}
}

// enterCrashLoop marks the instance crash_loop and attempts a restart with
// exponential backoff, bounded by the restart budget; exhausting the
// budget moves it to failed (operator intervention required to leave it).
func (s *Supervisor) enterCrashLoop(ctx context.Context, spec oasis.AgentSpec) {
	s.mu.Lock()
	rec, ok := s.instances[spec.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.instance.State = oasis.StateCrashLoop
	rec.instance.RestartCount++

	now := time.Now()
	cutoff := now.Add(-s.restartBudgetWindow)
	fresh := rec.restartsAt[:0]
	for _, t := range rec.restartsAt {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	rec.restartsAt = append(fresh, now)
	exhausted := len(rec.restartsAt) > s.restartBudgetN
	s.mu.Unlock()

	if exhausted {
		s.setState(spec.ID, oasis.StateFailed, "restart budget exhausted")
		return
	}

	backoff := time.Second << uint(min(rec.instance.RestartCount-1, 5))
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	timer := time.NewTimer(backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	if err := s.Deploy(ctx, spec.ID); err != nil {
		s.setState(spec.ID, oasis.StateFailed, "restart failed: "+err.Error())
	}
}

// Stop gracefully shuts down specID's instance, transitioning to stopping
// then stopped.
func (s *Supervisor) Stop(ctx context.Context, specID string, grace time.Duration) error {
	s.mu.Lock()
	spec, specOK := s.specs[specID]
	rec, instOK := s.instances[specID]
	s.mu.Unlock()
	if !specOK {
		return &oasis.ConfigError{Field: "spec_id", Message: fmt.Sprintf("unknown spec %q", specID)}
	}
	if !instOK {
		return nil
	}

	s.setState(specID, oasis.StateStopping, "")

	var err error
	switch spec.Kind {
	case oasis.KindContainer:
		if rec.handle != "" {
			err = s.container.Stop(ctx, rec.handle, grace)
			if err == nil {
				_ = s.container.Remove(ctx, rec.handle)
			}
		}
	case oasis.KindProcess:
		if rec.proc != nil {
			rec.proc.Stop()
		}
	}
	if err != nil {
		s.setState(specID, oasis.StateFailed, err.Error())
		return err
	}
	s.setState(specID, oasis.StateStopped, "")
	return nil
}

// Restart stops then deploys specID, preserving its declared spec.
func (s *Supervisor) Restart(ctx context.Context, specID string, grace time.Duration) error {
	if err := s.Stop(ctx, specID, grace); err != nil {
		return err
	}
	return s.Deploy(ctx, specID)
}

func (s *Supervisor) setState(specID string, state oasis.InstanceState, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.instances[specID]
	if !ok {
		return
	}
	rec.instance.State = state
	rec.instance.LastError = lastErr
	s.logger.Info("instance state changed", "spec_id", specID, "state", state)
}

// Reconcile is idempotent: for each spec with auto_deploy=true and no live
// instance, deploy; for each live instance with no matching spec, stop.
// Deployments across distinct specs run concurrently; per spec they
// serialize (Deploy is only called again after a prior attempt resolves).
func (s *Supervisor) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	var toDeploy []string
	for id, spec := range s.specs {
		if !spec.AutoDeploy {
			continue
		}
		rec, exists := s.instances[id]
		if !exists || !isLive(rec.instance.State) {
			toDeploy = append(toDeploy, id)
		}
	}
	var toStop []string
	for id := range s.instances {
		if _, declared := s.specs[id]; !declared {
			toStop = append(toStop, id)
		}
	}
	s.mu.Unlock()

	var firstErr error
	done := make(chan error, len(toDeploy)+len(toStop))
	for _, id := range toDeploy {
		go func(id string) { done <- s.Deploy(ctx, id) }(id)
	}
	for _, id := range toStop {
		go func(id string) { done <- s.Stop(ctx, id, 10*time.Second) }(id)
	}
	for i := 0; i < len(toDeploy)+len(toStop); i++ {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

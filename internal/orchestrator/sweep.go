package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/history"
	"github.com/basket/go-crew/internal/records"
	"github.com/basket/go-crew/internal/shared"
)

type IdleWarning struct {
	Agent string        `json:"agent"`
	Idle  time.Duration `json:"idleNs"`
}

type SweepReport struct {
	Checked int           `json:"checked"`
	Reaped  []string      `json:"reaped,omitempty"`
	Idle    []IdleWarning `json:"idle,omitempty"`
	// Skipped lists agents busy with another operation.
	Skipped []string `json:"skipped,omitempty"`
}

// Sweep checks every owned agent once: dead processes and missing or
// mismatched registrations are reaped, and idle agents past the threshold
// get one advisory per idle stretch.
func (s *Supervisor) Sweep(ctx context.Context) (SweepReport, error) {
	ctx = shared.WithOperation(ctx, "sweep")
	var report SweepReport
	all, err := s.records.ListAll()
	if err != nil {
		return report, fmt.Errorf("list agents: %w", err)
	}
	var errs []error
	for _, rec := range all {
		if !s.owns(rec) || rec.Status == records.StatusDead {
			continue
		}
		unlock, ok := s.tryLockAgent(rec.Name)
		if !ok {
			report.Skipped = append(report.Skipped, rec.Name)
			continue
		}
		err := s.sweepOne(shared.WithAgentName(ctx, rec.Name), rec.Name, &report)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", rec.Name, err))
		}
	}
	return report, errors.Join(errs...)
}

func (s *Supervisor) sweepOne(ctx context.Context, name string, report *SweepReport) error {
	// Re-read under the lock; the listing may be stale.
	rec, err := s.records.Get(name)
	if errors.Is(err, records.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	report.Checked++

	if rec.Status == records.StatusSpawning {
		// A spawn in this process holds the lock, so this one was abandoned.
		limit := time.Duration(rec.HandshakeTimeoutMs) * time.Millisecond
		if limit <= 0 {
			limit = s.opts.HandshakeMax
		}
		if s.now().Sub(time.UnixMilli(rec.SpawnedAtMs)) <= limit {
			return nil
		}
		report.Reaped = append(report.Reaped, name)
		return s.reap(ctx, rec, "spawn abandoned")
	}

	if !s.alive(rec) {
		report.Reaped = append(report.Reaped, name)
		return s.reap(ctx, rec, "process dead")
	}
	reg, found, err := s.mesh.ReadRegistration(name)
	if err != nil {
		s.logger.Warn("read registration during sweep failed", "agent", name, "error", err)
		return nil
	}
	if !found {
		report.Reaped = append(report.Reaped, name)
		return s.reap(ctx, rec, "registration missing")
	}
	if reg.PID != rec.PID && !s.procs.IsDescendant(reg.PID, rec.PID) {
		report.Reaped = append(report.Reaped, name)
		return s.reap(ctx, rec, fmt.Sprintf("registration pid %d does not belong to pid %d", reg.PID, rec.PID))
	}

	if rec.Status == records.StatusDone {
		// Teardown was interrupted, typically by the auto-kill process exiting.
		if _, err := s.killSequence(ctx, rec, "resume"); err != nil {
			return err
		}
		return nil
	}

	if last := reg.LastActivityTime(); !last.IsZero() && last.UnixMilli() > rec.LastActivityMs {
		rec.LastActivityMs = last.UnixMilli()
		if err := s.records.Put(rec); err != nil {
			return err
		}
	}
	s.checkIdle(ctx, rec, report)
	return nil
}

func (s *Supervisor) checkIdle(ctx context.Context, rec records.SpawnedAgent, report *SweepReport) {
	idle := s.now().Sub(time.UnixMilli(rec.LastActivityMs))
	if rec.Status != records.StatusIdle || idle <= s.Limits().IdleThreshold {
		s.clearIdleWarning(rec.Name)
		return
	}
	s.mu.Lock()
	warned := s.idleWarned[rec.Name]
	s.idleWarned[rec.Name] = true
	s.mu.Unlock()
	if warned {
		return
	}
	report.Idle = append(report.Idle, IdleWarning{Agent: rec.Name, Idle: idle})
	s.appendHistory(history.EventIdle, rec.Name, map[string]any{"idleSeconds": int64(idle.Seconds())})
	s.bus.Publish(bus.TopicAgentIdle, bus.AgentIdleEvent{Agent: rec.Name, IdleSeconds: int64(idle.Seconds())})
	s.logger.Warn("agent idle", append(shared.LogAttrs(ctx), "idle", idle.Round(time.Second))...)
}

func (s *Supervisor) clearIdleWarning(name string) {
	s.mu.Lock()
	delete(s.idleWarned, name)
	s.mu.Unlock()
}

type RecoverReport struct {
	Adopted []string `json:"adopted,omitempty"`
	Reaped  []string `json:"reaped,omitempty"`
}

// Recover runs at startup: owned records whose process is alive are adopted,
// the rest are reaped.
func (s *Supervisor) Recover(ctx context.Context) (RecoverReport, error) {
	ctx = shared.WithOperation(ctx, "recover")
	var report RecoverReport

	orphans, err := s.records.Orphans(func(pid int) bool { return s.procs.Alive(pid) })
	if err != nil {
		return report, fmt.Errorf("find orphans: %w", err)
	}
	dead := map[string]bool{}
	for _, rec := range orphans {
		dead[rec.Name] = true
	}

	all, err := s.records.ListAll()
	if err != nil {
		return report, fmt.Errorf("list agents: %w", err)
	}
	var errs []error
	for _, rec := range all {
		if rec.SpawnedBy != s.opts.Identity {
			continue
		}
		actx := shared.WithAgentName(ctx, rec.Name)
		unlock := s.lockAgent(rec.Name)
		switch {
		case dead[rec.Name] || !s.alive(rec):
			if err := s.reap(actx, rec, "orphaned"); err != nil {
				errs = append(errs, err)
			} else {
				report.Reaped = append(report.Reaped, rec.Name)
			}
		case rec.Status == records.StatusSpawning:
			if err := s.reap(actx, rec, "spawn interrupted"); err != nil {
				errs = append(errs, err)
			} else {
				report.Reaped = append(report.Reaped, rec.Name)
			}
		default:
			s.own(rec.Name)
			s.markActive(actx, rec.Name)
			report.Adopted = append(report.Adopted, rec.Name)
			s.appendHistory(history.EventRecover, rec.Name, map[string]any{"pid": rec.PID, "status": string(rec.Status)})
		}
		unlock()
	}
	if len(report.Adopted)+len(report.Reaped) > 0 {
		s.logger.Info("recovered agents", "adopted", report.Adopted, "reaped", report.Reaped)
	}
	return report, errors.Join(errs...)
}

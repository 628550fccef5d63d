// Package scheduler persists per-instance callback schedules and drives them
// from a single next-fire alarm. Four kinds are supported: one-shot delayed
// and absolute schedules, cron expressions, and fixed intervals. Schedules
// survive hibernation; the alarm is rearmed from storage on wake.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Callback is a registered schedule target, invoked under the instance write
// lock when its schedule fires.
type Callback func(ctx context.Context, payload json.RawMessage, sched *v1.Schedule) error

// Dispatch serializes a fire through the owning instance's single-writer
// discipline.
type Dispatch func(ctx context.Context, fn func(ctx context.Context) error) error

// When describes the fire time of a new schedule.
type When struct {
	Kind  v1.ScheduleKind
	Delay time.Duration // delayed, interval
	At    time.Time     // absolute
	Cron  string        // cron
}

// In schedules a one-shot callback after d.
func In(d time.Duration) When { return When{Kind: v1.ScheduleDelayed, Delay: d} }

// At schedules a one-shot callback at a fixed time.
func At(t time.Time) When { return When{Kind: v1.ScheduleAbsolute, At: t} }

// Every schedules a recurring callback with a fixed period.
func Every(d time.Duration) When { return When{Kind: v1.ScheduleInterval, Delay: d} }

// Cron schedules a recurring callback from a standard cron expression.
func Cron(expr string) When { return When{Kind: v1.ScheduleCron, Cron: expr} }

// Scheduler manages one instance's schedules and its alarm.
type Scheduler struct {
	st       *storage.InstanceStore
	dispatch Dispatch
	logger   *logger.Logger

	mu        sync.Mutex
	callbacks map[string]Callback
	timer     *time.Timer
	alarmAt   time.Time // zero when no alarm is armed
	stopped   bool

	// now is swapped in tests.
	now func() time.Time
}

// New creates a scheduler for one instance. dispatch must route the fire
// through the instance write lock.
func New(st *storage.InstanceStore, dispatch Dispatch, log *logger.Logger) *Scheduler {
	return &Scheduler{
		st:        st,
		dispatch:  dispatch,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		callbacks: make(map[string]Callback),
		now:       time.Now,
	}
}

// RegisterCallback binds a callback name to its handler. Must be called
// before any schedule referencing the name fires, typically at wake.
func (s *Scheduler) RegisterCallback(name string, cb Callback) {
	s.mu.Lock()
	s.callbacks[name] = cb
	s.mu.Unlock()
}

// Schedule persists a new schedule and rewrites the alarm if the new entry
// fires first.
func (s *Scheduler) Schedule(callback string, when When, payload json.RawMessage) (*v1.Schedule, error) {
	next, spec, err := firstRun(when, s.now())
	if err != nil {
		return nil, err
	}

	sched := &v1.Schedule{
		ID:       uuid.New().String(),
		Callback: callback,
		Payload:  payload,
		Kind:     when.Kind,
		Spec:     spec,
		NextRun:  next,
		Created:  s.now().UTC(),
	}
	if err := s.put(sched); err != nil {
		return nil, err
	}
	if err := s.rearm(); err != nil {
		return nil, err
	}
	return sched, nil
}

// Cancel removes a schedule; true only if a matching schedule existed.
func (s *Scheduler) Cancel(id string) (bool, error) {
	existed, err := s.st.DeleteSchedule(id)
	if err != nil {
		return false, err
	}
	if existed {
		if err := s.rearm(); err != nil {
			return existed, err
		}
	}
	return existed, nil
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (*v1.Schedule, error) {
	payload, err := s.st.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	var sched v1.Schedule
	if err := json.Unmarshal(payload, &sched); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	return &sched, nil
}

// List returns all schedules ordered by next fire time.
func (s *Scheduler) List() ([]v1.Schedule, error) {
	return decodeAll(s.st.ListSchedules())
}

// ByKind returns schedules of one kind ordered by next fire time.
func (s *Scheduler) ByKind(kind v1.ScheduleKind) ([]v1.Schedule, error) {
	return decodeAll(s.st.ListSchedulesByKind(string(kind)))
}

// Restore rearms the alarm from persisted schedules after a hibernation wake.
// Schedules whose fire time passed while hibernated fire immediately.
func (s *Scheduler) Restore() error {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	return s.rearm()
}

// Stop disarms the alarm. Persisted schedules are untouched; a later Restore
// picks them up again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.alarmAt = time.Time{}
}

func (s *Scheduler) put(sched *v1.Schedule) error {
	payload, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.st.PutSchedule(sched.ID, string(sched.Kind), sched.NextRun.UnixMilli(), payload)
}

// rearm rewrites the single physical alarm to min(nextRun) across all
// persisted schedules, or disarms it when none remain.
func (s *Scheduler) rearm() error {
	minNext, ok, err := s.st.MinNextRun()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	if !ok {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.alarmAt = time.Time{}
		return nil
	}

	at := time.UnixMilli(minNext)
	if !s.alarmAt.IsZero() && s.alarmAt.Equal(at) && s.timer != nil {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.alarmAt = at
	s.timer = time.AfterFunc(delay, s.onAlarm)
	return nil
}

// onAlarm runs on the timer goroutine: it routes the fire through the
// instance write lock and then rearms from whatever schedules remain.
func (s *Scheduler) onAlarm() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.alarmAt = time.Time{}
	s.timer = nil
	s.mu.Unlock()

	ctx := context.Background()
	if err := s.dispatch(ctx, s.fireDue); err != nil {
		s.logger.Error("schedule dispatch failed", zap.Error(err))
	}

	if err := s.rearm(); err != nil {
		s.logger.Error("failed to rearm alarm", zap.Error(err))
	}
}

// fireDue executes every schedule whose fire time has passed. One-shot
// schedules are removed whether the callback succeeds or fails; recurring
// schedules are rescheduled either way so a throwing interval callback
// survives. A callback clearing all storage mid-fire is tolerated.
func (s *Scheduler) fireDue(ctx context.Context) error {
	now := s.now()
	due, err := s.dueSchedules(now)
	if err != nil {
		return err
	}

	for i := range due {
		sched := &due[i]

		s.mu.Lock()
		cb, ok := s.callbacks[sched.Callback]
		s.mu.Unlock()

		if !ok {
			s.logger.Warn("schedule references unknown callback",
				zap.String("schedule_id", sched.ID),
				zap.String("callback", sched.Callback))
		} else if err := cb(ctx, sched.Payload, sched); err != nil {
			s.logger.Error("schedule callback failed",
				zap.String("schedule_id", sched.ID),
				zap.String("callback", sched.Callback),
				zap.Error(err))
		}

		if sched.OneShot() {
			if _, err := s.st.DeleteSchedule(sched.ID); err != nil {
				s.logger.Error("failed to delete fired schedule", zap.Error(err))
			}
			continue
		}

		next, err := nextRun(sched, s.now())
		if err != nil {
			s.logger.Error("failed to compute next run; dropping schedule",
				zap.String("schedule_id", sched.ID), zap.Error(err))
			_, _ = s.st.DeleteSchedule(sched.ID)
			continue
		}
		sched.NextRun = next
		// The callback may have cleared all storage; a failed reschedule of a
		// vanished row must not crash the runtime.
		if err := s.put(sched); err != nil {
			s.logger.Error("failed to reschedule", zap.String("schedule_id", sched.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) dueSchedules(now time.Time) ([]v1.Schedule, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var due []v1.Schedule
	for _, sched := range all {
		if !sched.NextRun.After(now) {
			due = append(due, sched)
		}
	}
	return due, nil
}

// firstRun computes the initial fire time and the persisted spec string.
func firstRun(when When, now time.Time) (time.Time, string, error) {
	switch when.Kind {
	case v1.ScheduleDelayed:
		if when.Delay < 0 {
			return time.Time{}, "", errors.New("scheduler: negative delay")
		}
		return now.Add(when.Delay), when.Delay.String(), nil
	case v1.ScheduleAbsolute:
		if when.At.IsZero() {
			return time.Time{}, "", errors.New("scheduler: absolute schedule requires a time")
		}
		return when.At, when.At.UTC().Format(time.RFC3339Nano), nil
	case v1.ScheduleCron:
		parsed, err := cron.ParseStandard(when.Cron)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("scheduler: invalid cron expression: %w", err)
		}
		return parsed.Next(now), when.Cron, nil
	case v1.ScheduleInterval:
		if when.Delay <= 0 {
			return time.Time{}, "", errors.New("scheduler: interval requires a positive period")
		}
		return now.Add(when.Delay), when.Delay.String(), nil
	default:
		return time.Time{}, "", fmt.Errorf("scheduler: unknown schedule kind %q", when.Kind)
	}
}

// nextRun recomputes a recurring schedule's fire time after a fire.
func nextRun(sched *v1.Schedule, now time.Time) (time.Time, error) {
	switch sched.Kind {
	case v1.ScheduleCron:
		parsed, err := cron.ParseStandard(sched.Spec)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.Next(now), nil
	case v1.ScheduleInterval:
		period, err := time.ParseDuration(sched.Spec)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(period), nil
	default:
		return time.Time{}, fmt.Errorf("schedule kind %q does not recur", sched.Kind)
	}
}

func decodeAll(rows [][]byte, err error) ([]v1.Schedule, error) {
	if err != nil {
		return nil, err
	}
	out := make([]v1.Schedule, 0, len(rows))
	for _, row := range rows {
		var sched v1.Schedule
		if err := json.Unmarshal(row, &sched); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, nil
}

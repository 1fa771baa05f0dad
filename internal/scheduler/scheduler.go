// Package scheduler fires cron-scheduled workflows through the admission
// gate. A Redis lease elects one leader per deployment; the leader scans
// for due workflows every tick and sweeps orphaned queue positions.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/admission"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	acquireInterval = 5 * time.Second
	fireBurst       = 10
)

type Scheduler struct {
	cfg       config.SchedulerConfig
	election  *Election
	workflows *repositories.WorkflowRepository
	gate      *admission.Gate
	tracker   *queue.Tracker
	systemID  uuid.UUID
	limiter   *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	cfg config.SchedulerConfig,
	redisClient *pkgredis.Client,
	workflows *repositories.WorkflowRepository,
	gate *admission.Gate,
	tracker *queue.Tracker,
	systemUserID uuid.UUID,
) *Scheduler {
	fireRate := rate.Inf
	if cfg.FireRate > 0 {
		fireRate = rate.Limit(cfg.FireRate)
	}
	return &Scheduler{
		cfg:       cfg,
		election:  NewElection(redisClient, cfg.LeaderKey, cfg.LeaderTTL),
		workflows: workflows,
		gate:      gate,
		tracker:   tracker,
		systemID:  systemUserID,
		limiter:   rate.NewLimiter(fireRate, fireBurst),
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)

	log.Info().
		Str("leader_key", s.cfg.LeaderKey).
		Dur("tick", s.cfg.Tick).
		Msg("Scheduler started")
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.election.Release(ctx)

	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) IsLeader() bool {
	return s.election.IsLeader()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	acquireTicker := time.NewTicker(acquireInterval)
	defer acquireTicker.Stop()

	extendTicker := time.NewTicker(s.cfg.LeaderTTL / 3)
	defer extendTicker.Stop()

	fireTicker := time.NewTicker(s.cfg.Tick)
	defer fireTicker.Stop()

	// Contend immediately instead of waiting out the first ticker.
	if _, err := s.election.TryAcquire(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to contend for leadership")
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return

		case <-acquireTicker.C:
			if !s.election.IsLeader() {
				if _, err := s.election.TryAcquire(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to contend for leadership")
				}
			}

		case <-extendTicker.C:
			if s.election.IsLeader() {
				s.election.Extend(ctx)
			}

		case <-fireTicker.C:
			if !s.election.IsLeader() {
				continue
			}
			s.fire(ctx)
			s.sweep(ctx)
		}
	}
}

// fire admits every workflow whose schedule has come due, in stable
// (id, next_due_at) order.
func (s *Scheduler) fire(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.workflows.FindDue(ctx, now, s.cfg.DueBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to scan for due workflows")
		return
	}

	fired := 0
	for i := range due {
		// A backlog of due schedules drains at a bounded rate across the tick.
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if s.fireOne(ctx, &due[i], now) {
			fired++
		}
	}

	if fired > 0 {
		log.Info().Int("fired", fired).Int("due", len(due)).Msg("Schedule tick completed")
	}
}

func (s *Scheduler) fireOne(ctx context.Context, workflow *models.Workflow, now time.Time) bool {
	if workflow.Schedule == nil {
		return false
	}

	sched, err := cron.ParseStandard(*workflow.Schedule)
	if err != nil {
		log.Warn().
			Str("workflow_id", workflow.ID.String()).
			Str("schedule", *workflow.Schedule).
			Err(err).
			Msg("Invalid cron expression, skipping")
		metrics.ScheduleSkipsTotal.WithLabelValues("invalid_cron").Inc()
		return false
	}

	// A schedule seen for the first time anchors on last_fired_at when one
	// exists, otherwise on now. Not yet due means initialize and move on.
	if workflow.NextDueAt == nil {
		base := now
		if workflow.LastFiredAt != nil {
			base = *workflow.LastFiredAt
		}
		next := sched.Next(base)
		if next.After(now) {
			if err := s.workflows.SetNextDue(ctx, workflow.ID, next); err != nil {
				log.Warn().Err(err).Str("workflow_id", workflow.ID.String()).Msg("Failed to initialize next due time")
			}
			return false
		}
	}

	_, err = s.gate.Admit(ctx, admission.AdmitRequest{
		Workflow: services.WorkflowRef{ID: &workflow.ID},
		Caller: queue.CallerContext{
			UserID:      &s.systemID,
			OrgID:       workflow.OrganizationID,
			IsSuperuser: true,
		},
		TriggerSource: models.TriggerSchedule,
		Sync:          false,
	})
	if err != nil {
		if errors.Is(err, admission.ErrWorkflowNotFound) {
			// Deactivated between the scan and the admit.
			metrics.ScheduleSkipsTotal.WithLabelValues("not_found").Inc()
			return false
		}
		// Leave next_due_at in the past so the next tick retries.
		log.Error().Err(err).
			Str("workflow_id", workflow.ID.String()).
			Str("workflow_name", workflow.Name).
			Msg("Failed to admit scheduled execution")
		metrics.ScheduleSkipsTotal.WithLabelValues("admission").Inc()
		return false
	}

	// Next due is computed from now, never from the missed slot, so a long
	// outage does not replay every skipped fire.
	next := sched.Next(now)
	if err := s.workflows.UpdateCronState(ctx, workflow.ID, now, next); err != nil {
		log.Error().Err(err).
			Str("workflow_id", workflow.ID.String()).
			Msg("Failed to record fire, schedule may fire again next tick")
	}

	metrics.ScheduleFiresTotal.Inc()
	log.Info().
		Str("workflow_id", workflow.ID.String()).
		Str("workflow_name", workflow.Name).
		Time("next_due_at", next).
		Msg("Scheduled execution admitted")
	return true
}

// sweep clears queue positions whose executions never left the tracker,
// the safety net for ids orphaned by crashes.
func (s *Scheduler) sweep(ctx context.Context) {
	removed, err := s.tracker.Sweep(ctx, s.cfg.SweepMaxAge)
	if err != nil {
		log.Warn().Err(err).Msg("Queue position sweep failed")
		return
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Swept orphaned queue positions")
	}
}

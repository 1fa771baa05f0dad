package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/tasks"
)

// Renewal keeps expiring source registrations alive. A periodic sweep books
// a renewal task for every source expiring inside the window; the task
// handler asks the source's adapter for a new lease and records the outcome
// on the source row either way.
type Renewal struct {
	sources  *repositories.EventSourceRepository
	tasks    *tasks.Client
	adapters *AdapterSet
	tick     time.Duration
	window   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRenewal(cfg config.SchedulerConfig, sources *repositories.EventSourceRepository, tasksClient *tasks.Client) *Renewal {
	tick := cfg.RenewalTick
	if tick <= 0 {
		tick = 6 * time.Hour
	}
	window := cfg.RenewalWindow
	if window <= 0 {
		window = 48 * time.Hour
	}
	return &Renewal{
		sources:  sources,
		tasks:    tasksClient,
		adapters: DefaultAdapters(),
		tick:     tick,
		window:   window,
		stopCh:   make(chan struct{}),
	}
}

func (r *Renewal) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
	log.Info().Dur("tick", r.tick).Dur("window", r.window).Msg("Source renewal started")
}

func (r *Renewal) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Renewal) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep books a renewal task for every source expiring inside the window.
func (r *Renewal) sweep(ctx context.Context) {
	sources, err := r.sources.FindExpiring(ctx, r.window)
	if err != nil {
		log.Error().Err(err).Msg("Expiring source scan failed")
		return
	}
	booked := 0
	for i := range sources {
		if err := r.tasks.EnqueueSourceRenewal(ctx, sources[i].ID); err != nil {
			log.Error().Err(err).Str("source_id", sources[i].ID.String()).Msg("Failed to book source renewal")
			continue
		}
		booked++
	}
	if booked > 0 {
		log.Info().Int("sources", booked).Msg("Booked source renewals")
	}
}

// HandleSourceRenewal is the task handler behind source:renewal jobs.
func (r *Renewal) HandleSourceRenewal(ctx context.Context, t *asynq.Task) error {
	var payload tasks.SourceRenewalPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding renewal payload: %w", err)
	}
	return r.renew(ctx, payload.SourceID)
}

func (r *Renewal) renew(ctx context.Context, sourceID uuid.UUID) error {
	source, err := r.sources.FindByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("loading source: %w", err)
	}
	if !source.IsActive || source.ExpiresAt == nil {
		return nil
	}

	adapter, err := r.adapters.For(source.Kind)
	if err != nil {
		return r.sources.SetError(ctx, source.ID, err.Error())
	}
	renewer, ok := adapter.(Renewer)
	if !ok {
		return r.sources.SetError(ctx, source.ID, fmt.Sprintf("source kind %q cannot be renewed automatically", source.Kind))
	}

	expiresAt, err := renewer.Renew(ctx, source)
	if err != nil {
		log.Error().Err(err).
			Str("source_id", source.ID.String()).
			Str("name", source.Name).
			Msg("Source renewal failed")
		if setErr := r.sources.SetError(ctx, source.ID, err.Error()); setErr != nil {
			log.Error().Err(setErr).Str("source_id", source.ID.String()).Msg("Failed to record renewal error")
		}
		return err
	}

	if err := r.sources.SetExpiry(ctx, source.ID, expiresAt); err != nil {
		return fmt.Errorf("recording new expiry: %w", err)
	}
	log.Info().
		Str("source_id", source.ID.String()).
		Str("name", source.Name).
		Time("expires_at", expiresAt).
		Msg("Source renewed")
	return nil
}

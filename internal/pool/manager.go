// Package pool supervises the fleet of worker processes: it spawns them,
// watches their Redis heartbeat slots, recycles them after a completion
// budget or an admin request, and holds the fleet between the configured
// floor and ceiling based on queue depth.
package pool

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrWorkerNotManaged = errors.New("worker is not managed by this pool")

const superviseInterval = 5 * time.Second

// Manager owns the worker fleet for one host.
type Manager struct {
	cfg      config.PoolConfig
	registry *Registry
	tracker  *queue.Tracker
	gate     *MemoryGate

	mu        sync.Mutex
	processes map[string]*Process
	recycling map[string]bool

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(cfg config.PoolConfig, registry *Registry, tracker *queue.Tracker) *Manager {
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 30 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		tracker:   tracker,
		gate:      NewMemoryGate(cfg.MemoryThresholdMB),
		processes: make(map[string]*Process),
		recycling: make(map[string]bool),
		interval:  superviseInterval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the supervision loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.tick(ctx)
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()

	log.Info().
		Int("min_workers", m.cfg.MinWorkers).
		Int("max_workers", m.cfg.MaxWorkers).
		Msg("Worker pool manager started")
}

// Stop halts supervision and drains every remaining child.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.Terminate(m.cfg.DrainGrace)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = m.registry.Free(ctx, p.WorkerID)
		}(p)
	}
	wg.Wait()

	log.Info().Msg("Worker pool manager stopped")
}

// Recycle drains one worker on demand. Used by the admin surface.
func (m *Manager) Recycle(workerID string) error {
	m.mu.Lock()
	_, ok := m.processes[workerID]
	m.mu.Unlock()
	if !ok {
		return ErrWorkerNotManaged
	}
	m.recycleAsync(workerID, "admin")
	return nil
}

func (m *Manager) tick(ctx context.Context) {
	m.reap(ctx)

	slots, err := m.registry.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list worker slots")
		return
	}

	byID := make(map[string]*Slot, len(slots))
	var idle, busy, killed int
	for _, s := range slots {
		byID[s.WorkerID] = s
		switch s.State {
		case models.WorkerStateBusy:
			busy++
		case models.WorkerStateKilled:
			killed++
		default:
			idle++
		}
	}
	metrics.SetPoolWorkers(idle, busy, killed)

	depth, err := m.tracker.Depth(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read queue depth")
		depth = 0
	} else {
		metrics.QueueDepth.Set(float64(depth))
	}

	active := m.recyclePass(byID)

	// Hold the floor first, then grow toward the queue one worker per tick.
	switch {
	case len(active) < m.cfg.MinWorkers:
		for i := len(active); i < m.cfg.MinWorkers; i++ {
			if !m.spawnOne() {
				break
			}
		}
	case len(active) < m.cfg.MaxWorkers && depth >= 1 && allBusy(active, byID):
		m.spawnOne()
	}
}

// reap clears children that exited on their own, outside a recycle.
func (m *Manager) reap(ctx context.Context) {
	m.mu.Lock()
	var gone []*Process
	for id, p := range m.processes {
		if m.recycling[id] || p.Alive() {
			continue
		}
		gone = append(gone, p)
		delete(m.processes, id)
	}
	m.mu.Unlock()

	for _, p := range gone {
		log.Warn().
			Str("worker_id", p.WorkerID).
			Int("pid", p.PID()).
			Err(p.WaitErr()).
			Msg("Worker exited unexpectedly")
		if err := m.registry.Free(ctx, p.WorkerID); err != nil {
			log.Warn().Err(err).Str("worker_id", p.WorkerID).Msg("Failed to free worker slot")
		}
	}
}

// recyclePass starts recycles for workers that earned one and returns the
// children that remain active.
func (m *Manager) recyclePass(slots map[string]*Slot) []*Process {
	m.mu.Lock()
	candidates := make([]*Process, 0, len(m.processes))
	for id, p := range m.processes {
		if m.recycling[id] {
			continue
		}
		candidates = append(candidates, p)
	}
	m.mu.Unlock()

	var active []*Process
	for _, p := range candidates {
		slot, ok := slots[p.WorkerID]
		switch {
		case !ok:
			// No slot past the heartbeat TTL means the process is wedged:
			// alive but unable to report.
			if time.Since(p.StartedAt) > m.cfg.HeartbeatTTL {
				m.recycleAsync(p.WorkerID, "heartbeat")
				continue
			}
		case slot.State == models.WorkerStateKilled:
			m.recycleAsync(p.WorkerID, "admin")
			continue
		case m.cfg.RecycleAfterCompletions > 0 && slot.Completions >= int64(m.cfg.RecycleAfterCompletions):
			m.recycleAsync(p.WorkerID, "completions")
			continue
		}
		active = append(active, p)
	}
	return active
}

func (m *Manager) recycleAsync(workerID, reason string) {
	m.mu.Lock()
	p, ok := m.processes[workerID]
	if !ok || m.recycling[workerID] {
		m.mu.Unlock()
		return
	}
	m.recycling[workerID] = true
	m.mu.Unlock()

	metrics.WorkerRecyclesTotal.WithLabelValues(reason).Inc()
	log.Info().Str("worker_id", workerID).Str("reason", reason).Msg("Recycling worker")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		markCtx, cancelMark := context.WithTimeout(context.Background(), 2*time.Second)
		_ = m.registry.MarkKilled(markCtx, workerID)
		cancelMark()

		p.Terminate(m.cfg.DrainGrace)

		freeCtx, cancelFree := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelFree()
		if err := m.registry.Free(freeCtx, workerID); err != nil {
			log.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to free worker slot")
		}

		m.mu.Lock()
		delete(m.processes, workerID)
		delete(m.recycling, workerID)
		m.mu.Unlock()

		log.Info().Str("worker_id", workerID).Msg("Worker recycled")
	}()
}

func (m *Manager) spawnOne() bool {
	if !m.gate.Admit() {
		return false
	}

	binary := m.cfg.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			log.Error().Err(err).Msg("Cannot resolve worker binary path")
			return false
		}
		binary = self
	}

	workerID := NewWorkerID()
	p, err := Spawn(binary, workerID)
	if err != nil {
		log.Error().Err(err).Str("worker_id", workerID).Msg("Failed to spawn worker")
		return false
	}

	m.mu.Lock()
	m.processes[workerID] = p
	m.mu.Unlock()

	metrics.WorkerSpawnsTotal.Inc()
	log.Info().Str("worker_id", workerID).Int("pid", p.PID()).Msg("Worker spawned")
	return true
}

func allBusy(active []*Process, slots map[string]*Slot) bool {
	if len(active) == 0 {
		return false
	}
	for _, p := range active {
		slot, ok := slots[p.WorkerID]
		if !ok || slot.State != models.WorkerStateBusy {
			return false
		}
	}
	return true
}

// WorkerInfo is the admin view of one worker, merging the Redis slot with
// what the manager knows about the child process.
type WorkerInfo struct {
	WorkerID           string     `json:"worker_id"`
	PID                int        `json:"pid"`
	State              string     `json:"state"`
	CurrentExecutionID *uuid.UUID `json:"current_execution_id,omitempty"`
	Completions        int64      `json:"completions"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	Recycling          bool       `json:"recycling,omitempty"`
}

// Workers lists every known worker: heartbeating slots plus children that
// have not reported yet.
func (m *Manager) Workers(ctx context.Context) ([]WorkerInfo, error) {
	slots, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	procs := make(map[string]*Process, len(m.processes))
	recycling := make(map[string]bool, len(m.recycling))
	for id, p := range m.processes {
		procs[id] = p
		recycling[id] = m.recycling[id]
	}
	m.mu.Unlock()

	out := make([]WorkerInfo, 0, len(slots))
	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		info := WorkerInfo{
			WorkerID:           s.WorkerID,
			PID:                s.PID,
			State:              s.State,
			CurrentExecutionID: s.CurrentExecutionID,
			Completions:        s.Completions,
			Recycling:          recycling[s.WorkerID],
		}
		if p, ok := procs[s.WorkerID]; ok {
			started := p.StartedAt
			info.StartedAt = &started
		}
		seen[s.WorkerID] = true
		out = append(out, info)
	}

	for id, p := range procs {
		if seen[id] {
			continue
		}
		started := p.StartedAt
		out = append(out, WorkerInfo{
			WorkerID:  id,
			PID:       p.PID(),
			State:     "STARTING",
			StartedAt: &started,
			Recycling: recycling[id],
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

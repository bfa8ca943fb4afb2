package workers

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/dago-collab/internal/application/ratelimit"
	"go.uber.org/zap"
)

// LockSweeper removes expired locks
type LockSweeper interface {
	SweepExpired() int
}

// StoreProbe checks the workflow store
type StoreProbe interface {
	Ping(ctx context.Context) error
}

// Stats reports live connection and session counts
type Stats interface {
	Stats() (connections, sessions int)
}

// Config wires the housekeeper's collaborators. Nil fields are skipped.
type Config struct {
	Interval        time.Duration
	RateLimitMaxAge time.Duration
	ProbeTimeout    time.Duration
	Limiter         ratelimit.Limiter
	Locks           LockSweeper
	Store           StoreProbe
	Stats           Stats

	// OnHealth receives the store probe result of every sweep
	OnHealth func(healthy bool)
}

// Housekeeper runs periodic maintenance sweeps
type Housekeeper struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Status is the outcome of one sweep
type Status struct {
	RateLimitEntriesDropped int
	ExpiredLocks            int
	StoreHealthy            bool
	Connections             int
	Sessions                int
	Timestamp               time.Time
}

// NewHousekeeper creates a housekeeper
func NewHousekeeper(cfg Config, logger *zap.Logger) *Housekeeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RateLimitMaxAge <= 0 {
		cfg.RateLimitMaxAge = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Housekeeper{
		cfg:    cfg,
		logger: logger,
	}
}

// Start starts the sweep loop
func (h *Housekeeper) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.run(h.stopCh, h.doneCh)
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	stopCh, doneCh := h.stopCh, h.doneCh
	h.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (h *Housekeeper) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.Sweep(context.Background())
		}
	}
}

// Sweep runs one maintenance pass and logs its outcome
func (h *Housekeeper) Sweep(ctx context.Context) *Status {
	status := &Status{StoreHealthy: true, Timestamp: time.Now()}

	if h.cfg.Limiter != nil {
		status.RateLimitEntriesDropped = h.cfg.Limiter.CleanupOldEntries(ctx, h.cfg.RateLimitMaxAge)
	}
	if h.cfg.Locks != nil {
		status.ExpiredLocks = h.cfg.Locks.SweepExpired()
	}
	if h.cfg.Store != nil {
		probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
		err := h.cfg.Store.Ping(probeCtx)
		cancel()
		if err != nil {
			status.StoreHealthy = false
			h.logger.Warn("workflow store is unhealthy", zap.Error(err))
		}
	}
	if h.cfg.OnHealth != nil {
		h.cfg.OnHealth(status.StoreHealthy)
	}
	if h.cfg.Stats != nil {
		status.Connections, status.Sessions = h.cfg.Stats.Stats()
	}

	h.logger.Info("housekeeping sweep",
		zap.Int("rate_limit_entries_dropped", status.RateLimitEntriesDropped),
		zap.Int("expired_locks", status.ExpiredLocks),
		zap.Bool("store_healthy", status.StoreHealthy),
		zap.Int("connections", status.Connections),
		zap.Int("sessions", status.Sessions))

	return status
}

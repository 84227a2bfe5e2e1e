package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/tfbench/tf-bench-util/pkg/logging"
)

// Config defines the history retention policy
type Config struct {
	Retention time.Duration // runs older than this are removed; 0 disables pruning
	Interval  time.Duration
}

// DefaultConfig keeps a month of history and prunes daily
func DefaultConfig() Config {
	return Config{
		Retention: 30 * 24 * time.Hour,
		Interval:  24 * time.Hour,
	}
}

// Store is the subset of the history store pruning needs
type Store interface {
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Stats tracks pruning runs
type Stats struct {
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastDeleted  int64         `json:"last_deleted"`
	TotalDeleted int64         `json:"total_deleted"`
	Runs         int64         `json:"runs"`
}

// Manager prunes old launch history on an interval
type Manager struct {
	config Config
	store  Store
	logger *logging.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a cleanup manager
func NewManager(config Config, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{config: config, store: store, logger: logger, now: time.Now}
}

// Enabled reports whether a retention policy is configured
func (m *Manager) Enabled() bool {
	return m.config.Retention > 0 && m.config.Interval > 0
}

// Start prunes once immediately and then on every interval until Stop
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() {
		m.logger.Debug("History pruning disabled")
		return
	}
	m.logger.Info("Starting history pruning", logging.Fields{
		"retention": m.config.Retention.String(),
		"interval":  m.config.Interval.String(),
	})

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.RunNow(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunNow(ctx)
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// RunNow prunes once and returns the number of runs removed
func (m *Manager) RunNow(ctx context.Context) (int64, error) {
	start := m.now()
	cutoff := start.Add(-m.config.Retention)

	deleted, err := m.store.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("History pruning failed", logging.Fields{"error": err.Error()})
		return 0, err
	}

	m.mu.Lock()
	m.stats.LastRun = start
	m.stats.LastDuration = time.Since(start)
	m.stats.LastDeleted = deleted
	m.stats.TotalDeleted += deleted
	m.stats.Runs++
	m.mu.Unlock()

	if deleted > 0 {
		m.logger.Info("Pruned old runs", logging.Fields{"deleted": deleted, "cutoff": cutoff.Format(time.RFC3339)})
	}
	return deleted, nil
}

// GetStats returns a copy of the pruning statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

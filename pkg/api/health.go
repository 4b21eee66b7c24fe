package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/lookout/pkg/hub"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/cuemby/lookout/pkg/storage"
	"github.com/rs/zerolog"
)

// HealthProbe periodically checks storage and the hub and records the
// results on a HealthChecker, which serves /health and /ready
type HealthProbe struct {
	checker  *metrics.HealthChecker
	store    storage.Store
	hub      *hub.Hub
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewHealthProbe creates a probe. Call Start to begin checking.
func NewHealthProbe(checker *metrics.HealthChecker, store storage.Store, h *hub.Hub, interval time.Duration) *HealthProbe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthProbe{
		checker:  checker,
		store:    store,
		hub:      h,
		interval: interval,
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs one check immediately and then one per interval
func (p *HealthProbe) Start() {
	p.Check()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Check()
			}
		}
	}()
}

// Stop ends the background checks
func (p *HealthProbe) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Check updates the storage and hub components once
func (p *HealthProbe) Check() {
	if p.store == nil {
		p.checker.Update(metrics.ComponentStorage, false, "not initialized")
	} else if _, err := p.store.ListApplications(); err != nil {
		p.logger.Warn().Err(err).Msg("storage check failed")
		p.checker.Update(metrics.ComponentStorage, false, fmt.Sprintf("error: %v", err))
	} else {
		p.checker.Update(metrics.ComponentStorage, true, "ok")
	}

	switch {
	case p.hub == nil:
		p.checker.Update(metrics.ComponentHub, false, "not initialized")
	case p.hub.Closed():
		p.checker.Update(metrics.ComponentHub, false, "closed")
	default:
		p.checker.Update(metrics.ComponentHub, true, fmt.Sprintf("%d subscribers", len(p.hub.Subscribers())))
	}
}

package store

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ResistanceIsUseless/ProxyScout/internal/logging"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

// Autosaver periodically persists the pool on a cron schedule. Save
// failures are logged, never fatal: the pool keeps operating in memory.
type Autosaver struct {
	store    *Store
	logger   *logging.Logger
	cron     *cron.Cron
	snapshot func() []*proxy.Record
}

// NewAutosaver schedules a save of snapshot() every interval
func NewAutosaver(store *Store, logger *logging.Logger, interval time.Duration, snapshot func() []*proxy.Record) (*Autosaver, error) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	a := &Autosaver{
		store:    store,
		logger:   logger,
		cron:     cron.New(),
		snapshot: snapshot,
	}

	spec := fmt.Sprintf("@every %s", interval)
	if _, err := a.cron.AddFunc(spec, a.save); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Autosaver) save() {
	records := a.snapshot()
	if err := a.store.SavePool(records); err != nil {
		a.logger.Warn("Auto-save failed", "error", err)
		return
	}
	a.logger.PoolSaved(a.store.proxiesPath, len(records))
}

// Start begins the autosave schedule
func (a *Autosaver) Start() {
	a.cron.Start()
}

// Stop halts the schedule and performs a final save
func (a *Autosaver) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
	a.save()
}

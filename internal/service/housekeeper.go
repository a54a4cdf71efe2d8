package service

import (
	"context"
	"time"

	"github.com/developingchet/fwconsole/internal/logcache"
	"github.com/developingchet/fwconsole/internal/metrics"
	"github.com/developingchet/fwconsole/internal/storage"
	"github.com/rs/zerolog"
)

// Housekeeper refreshes gauges that no request path updates on its own.
type Housekeeper struct {
	store    storage.Store
	logs     *logcache.Cache
	interval time.Duration
	log      zerolog.Logger
}

// NewHousekeeper creates a Housekeeper.
func NewHousekeeper(store storage.Store, logs *logcache.Cache, interval time.Duration, log zerolog.Logger) *Housekeeper {
	return &Housekeeper{
		store:    store,
		logs:     logs,
		interval: interval,
		log:      log,
	}
}

// Run executes the housekeeping loop until ctx is cancelled.
func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Run immediately on start
	h.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Housekeeper) tick() {
	if h.store != nil {
		size, err := h.store.SizeBytes()
		if err != nil {
			h.log.Warn().Err(err).Msg("housekeeping: read db size failed")
		} else {
			metrics.DBSizeBytes.Set(float64(size))
		}
	}

	if h.logs != nil {
		metrics.LogEntriesCached.Set(float64(h.logs.Len()))
	}

	h.log.Debug().Msg("housekeeping: tick complete")
}

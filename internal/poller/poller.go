// Package poller periodically queries provider catalogs and reconciles the
// results into new scene rows with queued download jobs.
package poller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/remotesensinginfo/eodatadown/internal/config"
	"github.com/remotesensinginfo/eodatadown/internal/models"
	"github.com/remotesensinginfo/eodatadown/internal/sensor"
	"github.com/remotesensinginfo/eodatadown/internal/store"
	"github.com/remotesensinginfo/eodatadown/internal/telemetry"
)

// defaultLookback bounds the first catalog window after a cold start.
const defaultLookback = 30 * 24 * time.Hour

// errSensorSuspended ends a poller's loop once its sensor is suspended; the
// suspension itself is already recorded in the store.
var errSensorSuspended = errors.New("sensor suspended")

// Store is the slice of the state store the poller needs.
type Store interface {
	CreateSceneWithDownloadJob(ctx context.Context, p store.CreateSceneParams) (bool, error)
	RecordInvalidScene(ctx context.Context, p store.CreateSceneParams, reason string) error
	IsSensorSuspended(ctx context.Context, sensorName string) (bool, error)
	SuspendSensor(ctx context.Context, sensorName, reason string) error
}

// Poller drives catalog discovery for one sensor.
type Poller struct {
	cfg    config.Config
	store  Store
	sensor sensor.Sensor
	// lastEnd is advisory only: it narrows the window between polls and is
	// rebuilt from the lookback after restart. Dedup is the store's job.
	lastEnd time.Time
}

func New(cfg config.Config, st Store, sn sensor.Sensor) *Poller {
	return &Poller{cfg: cfg, store: st, sensor: sn}
}

// Run polls on the configured interval until ctx is cancelled or the sensor
// is suspended. An authentication failure suspends the sensor in the store
// and stops this poller; other sensors and the worker pool keep running.
func (p *Poller) Run(ctx context.Context) error {
	name := p.sensor.Name()

	if suspended, err := p.store.IsSensorSuspended(ctx, name); err != nil {
		return err
	} else if suspended {
		log.Printf("poller %s: sensor is suspended, not polling", name)
		return nil
	}

	// Poll once on startup, then on the interval. Suspension stops this
	// poller without an error; other sensors keep polling.
	if err := p.pollOnce(ctx); err != nil {
		if errors.Is(err, errSensorSuspended) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				if errors.Is(err, errSensorSuspended) {
					return nil
				}
				return err
			}
		}
	}
}

// pollOnce runs one catalog query and reconciles the results. Transient
// failures are logged and retried on the next tick; authentication failures
// end polling. Re-running over an overlapping window creates no duplicates:
// insertion is keyed on the provider scene ID.
func (p *Poller) pollOnce(ctx context.Context) error {
	name := p.sensor.Name()
	now := time.Now().UTC()

	start := p.lastEnd
	if start.IsZero() {
		start = now.Add(-defaultLookback)
	} else {
		// Overlap one interval so boundary acquisitions are never missed.
		start = start.Add(-p.cfg.PollInterval)
	}

	descs, err := p.sensor.Query(ctx, sensor.TimeWindow{Start: start, End: now})
	if err != nil {
		var authErr *models.AuthenticationError
		if errors.As(err, &authErr) {
			if susErr := p.store.SuspendSensor(ctx, name, err.Error()); susErr != nil {
				log.Printf("poller %s: suspend: %v", name, susErr)
			}
			telemetry.SensorsSuspended.Inc()
			log.Printf("poller %s: suspended after authentication failure: %v", name, err)
			return errSensorSuspended
		}
		log.Printf("poller %s: catalog query: %v", name, err)
		return nil
	}
	p.lastEnd = now

	var created, invalid int
	for _, desc := range descs {
		params := store.CreateSceneParams{
			Sensor:     name,
			SceneID:    desc.SceneID,
			AcquiredAt: desc.AcquiredAt,
			Footprint:  desc.Footprint,
			CloudCover: desc.CloudCover,
			Source:     desc.Source,
			MD5:        desc.MD5,
			SizeBytes:  desc.Size,
		}

		if err := desc.Validate(); err != nil {
			if desc.SceneID == "" {
				log.Printf("poller %s: dropping descriptor with no scene id", name)
				continue
			}
			if recErr := p.store.RecordInvalidScene(ctx, params, err.Error()); recErr != nil {
				log.Printf("poller %s: record invalid scene %s: %v", name, desc.SceneID, recErr)
				continue
			}
			telemetry.ScenesInvalid.Inc()
			invalid++
			continue
		}

		ok, err := p.store.CreateSceneWithDownloadJob(ctx, params)
		if err != nil {
			log.Printf("poller %s: create scene %s: %v", name, desc.SceneID, err)
			continue
		}
		if ok {
			telemetry.ScenesDiscovered.Inc()
			created++
		}
	}

	if created > 0 || invalid > 0 {
		log.Printf("poller %s: %d new scenes, %d invalid (of %d reported)", name, created, invalid, len(descs))
	}
	return nil
}

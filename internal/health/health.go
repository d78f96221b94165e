// Package health bridges the device health-data provider into the
// phenome. The provider itself is platform glue living outside this
// module; here we bound its calls, validate what it returns, and land
// the survivors in storage.
package health

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/logging"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
)

// readTimeout bounds every provider call. A hung provider counts as a
// missing reading, not a stuck morning.
const readTimeout = 10 * time.Second

// Provider is the external health-data collaborator. Implementations
// should return stable record ids so repeated reads of the same span
// don't duplicate rows.
type Provider interface {
	Read(ctx context.Context, kind core.SignalKind, from, to time.Time) ([]core.HealthSignal, error)
}

// morningKinds is the signal set the recovery read depends on.
var morningKinds = []core.SignalKind{
	core.SignalSleepHours,
	core.SignalSleepQuality,
	core.SignalHRV,
	core.SignalRestingHR,
}

// bounds holds the plausible range per signal kind. Readings outside
// are sensor noise and dropped.
var bounds = map[core.SignalKind][2]float64{
	core.SignalSleepHours:   {0, 24},
	core.SignalSleepQuality: {0, 100},
	core.SignalHRV:          {1, 400},
	core.SignalRestingHR:    {20, 250},
	core.SignalSoreness:     {1, 10},
}

// Normalize filters out implausible readings and fills missing ids and
// sources. Records with no timestamp are dropped outright.
func Normalize(signals []core.HealthSignal) []core.HealthSignal {
	var out []core.HealthSignal
	for _, sig := range signals {
		if sig.Timestamp.IsZero() {
			continue
		}
		if b, ok := bounds[sig.Kind]; ok {
			if sig.Value < b[0] || sig.Value > b[1] {
				continue
			}
		}
		if sig.Kind == core.SignalWorkout && sig.Duration < 0 {
			continue
		}
		if sig.ID == "" {
			sig.ID = uuid.New().String()
		}
		if sig.Source == "" {
			sig.Source = "provider"
		}
		out = append(out, sig)
	}
	return out
}

// Ingestor pulls provider data into the phenome store.
type Ingestor struct {
	provider Provider
	store    *phenome.Store
}

// NewIngestor creates an ingestor. A nil provider is allowed; pulls
// then report zero records, and the scorer falls back to its neutral
// default.
func NewIngestor(provider Provider, store *phenome.Store) *Ingestor {
	return &Ingestor{provider: provider, store: store}
}

// Connected reports whether a provider is wired in.
func (i *Ingestor) Connected() bool {
	return i.provider != nil
}

// PullMorning fetches the last night's readings and stores them,
// returning how many records landed. A failed read of one kind never
// blocks the others.
func (i *Ingestor) PullMorning(ctx context.Context, morning time.Time) (int, error) {
	if i.provider == nil {
		return 0, nil
	}

	from := morning.Add(-24 * time.Hour)
	total := 0
	for _, kind := range morningKinds {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		signals, err := i.provider.Read(rctx, kind, from, morning)
		cancel()
		if err != nil {
			logging.WithField("kind", string(kind)).Warn("health read failed: %v", err)
			continue
		}

		signals = Normalize(signals)
		if len(signals) == 0 {
			continue
		}
		if err := i.store.RecordSignals(ctx, signals); err != nil {
			return total, err
		}
		total += len(signals)
	}
	return total, nil
}

// PullWorkouts fetches completed workouts in a span, stores them, and
// returns them for block resolution. Unlike the morning pull, a read
// failure is surfaced: resolving a block as missed on the strength of
// a failed read would be wrong.
func (i *Ingestor) PullWorkouts(ctx context.Context, from, to time.Time) ([]core.HealthSignal, error) {
	if i.provider == nil {
		return nil, nil
	}

	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	signals, err := i.provider.Read(rctx, core.SignalWorkout, from, to)
	if err != nil {
		return nil, err
	}

	signals = Normalize(signals)
	if len(signals) > 0 {
		if err := i.store.RecordSignals(ctx, signals); err != nil {
			return nil, err
		}
	}
	return signals, nil
}

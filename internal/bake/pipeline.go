package bake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/probebake/server/internal/logging"
	"github.com/probebake/server/internal/metrics"
	"github.com/probebake/server/internal/placement"
	"go.uber.org/zap"
)

// ProgressFunc receives the name of the phase about to run and overall progress in [0,1].
type ProgressFunc func(phase string, progress float64)

// Report describes a finished bake.
type Report struct {
	BatchIndex   int           `json:"batch_index"`
	Cells        int           `json:"cells"`
	EmptyCells   int           `json:"empty_cells"`
	Probes       int           `json:"probes"`
	UniqueProbes int           `json:"unique_probes"`
	Invalid      int           `json:"invalid_probes"`
	Repaired     int           `json:"repaired_probes"`
	Isolated     int           `json:"isolated_probes"`
	Assets       []*Asset      `json:"-"`
	Duration     time.Duration `json:"duration"`
	// Epoch is the session epoch the assets were baked in.
	Epoch uint64 `json:"-"`
}

// Pipeline runs one full bake: authoring check, placement, baking, dilation and assembly.
type Pipeline struct {
	Session     *Session
	Partitioner *placement.Partitioner
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

// NewPipeline wires a pipeline around baker with the default partitioner.
func NewPipeline(baker Baker, logger *zap.Logger, m *metrics.Collector) *Pipeline {
	logger = logging.OrNop(logger)
	return &Pipeline{
		Session:     NewSession(baker, logger, m),
		Partitioner: placement.NewPartitioner(),
		Logger:      logger.Named("pipeline"),
		Metrics:     m,
	}
}

// Run bakes scenes. Inconsistent authoring is reported before the session is touched.
// Cancelling ctx clears the session and returns ctx.Err().
func (p *Pipeline) Run(ctx context.Context, scenes []placement.Scene, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(string, float64) {}
	}
	logger := logging.OrNop(p.Logger)
	start := time.Now()

	volumes := make([]*placement.ReferenceVolume, 0, len(scenes))
	for i := range scenes {
		volumes = append(volumes, scenes[i].ReferenceVolume)
	}
	ref, err := placement.CardinalReferenceVolume(volumes)
	if err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if bounds, ok := placement.WorldBounds(scenes); ok {
		logger.Info("probe volume bounds",
			zap.Float32s("min", bounds.Min[:]),
			zap.Float32s("max", bounds.Max[:]),
		)
	}

	if loader, ok := p.Session.baker.(SceneLoader); ok {
		loader.LoadScenes(scenes)
	}

	p.Session.Clear()
	batch, err := p.Session.Begin()
	if err != nil {
		return nil, err
	}

	progress("placement", 0)
	phase := time.Now()
	if err := p.Session.Place(batch, ref, scenes, p.Partitioner); err != nil {
		p.Session.Clear()
		return nil, fmt.Errorf("failed to place probes: %w", err)
	}
	p.Metrics.ObservePhase("placement", time.Since(phase))

	progress("baking", 0.2)
	phase = time.Now()
	if err := p.Session.Submit(ctx, batch); err != nil {
		p.Session.Clear()
		return nil, err
	}
	cells, stats, err := p.Session.Complete(ctx, batch)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.Session.Clear()
		}
		return nil, err
	}
	p.Metrics.ObservePhase("baking", time.Since(phase))

	progress("assembly", 0.9)
	phase = time.Now()
	refs := make(map[int][]string, len(cells))
	for _, c := range cells {
		refs[c.Index] = p.Session.SceneReferences(c.Index)
	}
	assets := Assemble(cells, refs, placement.ReferenceVolumesByScene(scenes), ref.Profile.CellSize())
	p.Metrics.ObservePhase("assembly", time.Since(phase))

	report := &Report{
		BatchIndex:   batch.Index,
		Cells:        stats.Cells,
		EmptyCells:   batch.EmptyCells,
		Probes:       stats.Probes,
		UniqueProbes: batch.Unique.Len(),
		Invalid:      stats.Dilation.InvalidProbes,
		Repaired:     stats.Dilation.Repaired,
		Isolated:     stats.Dilation.Isolated,
		Assets:       assets,
		Duration:     time.Since(start),
		Epoch:        batch.Epoch,
	}
	progress("done", 1)
	logger.Info("bake finished",
		zap.Int("assets", len(assets)),
		zap.Int("cells", report.Cells),
		zap.Int("unique_probes", report.UniqueProbes),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

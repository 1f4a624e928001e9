package bake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/probebake/server/internal/logging"
	"github.com/probebake/server/internal/metrics"
	"github.com/probebake/server/internal/placement"
	"github.com/probebake/server/internal/probe"
	"go.uber.org/zap"
)

var (
	// ErrBatchActive is returned by Begin while another batch is outstanding.
	ErrBatchActive = errors.New("bake: a batch is already active")
	// ErrBatchNotActive is returned when a batch is used after completion or Clear.
	ErrBatchNotActive = errors.New("bake: batch is not the active batch")
	// ErrAlreadySubmitted is returned when a batch is placed or submitted after Submit.
	ErrAlreadySubmitted = errors.New("bake: batch already submitted")
	// ErrAlreadyPlaced is returned when a batch is placed twice.
	ErrAlreadyPlaced = errors.New("bake: batch already placed")
	// ErrNotSubmitted is returned by Complete before Submit.
	ErrNotSubmitted = errors.New("bake: batch not submitted")
	// ErrBatchDiscarded is returned when a batch was completed, failed or cleared before Complete observed it.
	ErrBatchDiscarded = errors.New("bake: batch discarded")
	// ErrMissingResults is returned when the baker returned no data for probes a cell claims.
	ErrMissingResults = errors.New("bake: baker returned no results for placed probes")
)

// BakingCell is a queued cell plus the unique index of each of its probes.
type BakingCell struct {
	Cell         probe.Cell
	ProbeIndices []int
}

// Batch is the unit of submission to the baker. Its state is owned by the
// Session between Begin and Complete or Clear.
type Batch struct {
	Index      int
	Cells      []BakingCell
	SceneRefs  map[int][]string
	Unique     *probe.UniqueProbeTable
	Settings   probe.DilationSettings
	EmptyCells int
	// Epoch is the session epoch the batch was started in.
	Epoch uint64

	placed   bool
	pending  <-chan Result
	cancel   context.CancelFunc
	detached chan struct{}
}

// TotalProbes returns the number of probes across queued cells, duplicates included.
func (b *Batch) TotalProbes() int {
	n := 0
	for _, c := range b.Cells {
		n += len(c.Cell.ProbePositions)
	}
	return n
}

func (b *Batch) submitted() bool {
	return b.pending != nil
}

func (b *Batch) finished() bool {
	select {
	case <-b.detached:
		return true
	default:
		return false
	}
}

// CompleteStats summarises decoding and dilation of a batch.
type CompleteStats struct {
	Cells    int
	Probes   int
	Dilation probe.DilationStats
}

// Session owns the active batch and the cells published by completed batches.
type Session struct {
	baker   Baker
	logger  *zap.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	epoch     uint64
	nextIndex int
	active    *Batch
	cells     map[int]probe.Cell
	sceneRefs map[int][]string
}

// NewSession creates a session bound to baker. logger and m may be nil.
func NewSession(baker Baker, logger *zap.Logger, m *metrics.Collector) *Session {
	return &Session{
		baker:     baker,
		logger:    logging.OrNop(logger).Named("session"),
		metrics:   m,
		cells:     make(map[int]probe.Cell),
		sceneRefs: make(map[int][]string),
	}
}

// Begin starts a new batch with the next batch index.
func (s *Session) Begin() (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, fmt.Errorf("%w: batch %d", ErrBatchActive, s.active.Index)
	}
	b := &Batch{
		Index:     s.nextIndex,
		Epoch:     s.epoch,
		SceneRefs: make(map[int][]string),
		Unique:    probe.NewUniqueProbeTable(),
		detached:  make(chan struct{}),
	}
	s.nextIndex++
	s.active = b
	s.logger.Debug("batch started", zap.Int("batch", b.Index))
	return b, nil
}

// Place partitions the reference volume and queues every non-empty cell,
// deduplicating its probes into the batch's unique table.
func (s *Session) Place(b *Batch, ref *placement.ReferenceVolume, scenes []placement.Scene, p *placement.Partitioner) error {
	if err := s.checkActive(b); err != nil {
		return err
	}
	if b.submitted() {
		return ErrAlreadySubmitted
	}
	if b.placed {
		return ErrAlreadyPlaced
	}
	b.placed = true

	b.Settings = ref.Dilation
	b.Settings.BrickSize = ref.Profile.BrickSize
	for _, pc := range p.Partition(ref, scenes) {
		if err := pc.Cell.Validate(); err != nil {
			return err
		}
		if pc.Cell.Empty() {
			b.EmptyCells++
			continue
		}
		b.Cells = append(b.Cells, BakingCell{
			Cell:         pc.Cell,
			ProbeIndices: b.Unique.Deduplicate(pc.Cell.ProbePositions),
		})
		b.SceneRefs[pc.Cell.Index] = pc.SceneRefs
	}

	s.logger.Info("placement finished",
		zap.Int("batch", b.Index),
		zap.Int("cells", len(b.Cells)),
		zap.Int("empty_cells", b.EmptyCells),
		zap.Int("probes", b.TotalProbes()),
		zap.Int("unique_probes", b.Unique.Len()),
	)
	return nil
}

// Submit hands the batch's unique positions to the baker and returns without waiting.
func (s *Session) Submit(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != b {
		return ErrBatchNotActive
	}
	if b.submitted() {
		return ErrAlreadySubmitted
	}

	bakeCtx, cancel := context.WithCancel(ctx)
	ch, err := s.baker.Submit(bakeCtx, b.Index, b.Unique.Positions())
	if err != nil {
		cancel()
		return fmt.Errorf("bake: submit batch %d: %w", b.Index, err)
	}
	b.pending = ch
	b.cancel = cancel
	s.logger.Info("batch submitted", zap.Int("batch", b.Index), zap.Int("unique_probes", b.Unique.Len()))
	return nil
}

// Complete waits for the baker, decodes and dilates every queued cell and
// publishes them. Nothing is published if any cell fails to decode.
func (s *Session) Complete(ctx context.Context, b *Batch) ([]probe.Cell, CompleteStats, error) {
	s.mu.Lock()
	if b.finished() {
		s.mu.Unlock()
		return nil, CompleteStats{}, ErrBatchDiscarded
	}
	if s.active != b {
		s.mu.Unlock()
		return nil, CompleteStats{}, ErrBatchNotActive
	}
	if !b.submitted() {
		s.mu.Unlock()
		return nil, CompleteStats{}, ErrNotSubmitted
	}
	pending, detached := b.pending, b.detached
	s.mu.Unlock()

	var res Result
	var ok bool
	select {
	case res, ok = <-pending:
	case <-detached:
		return nil, CompleteStats{}, ErrBatchDiscarded
	case <-ctx.Done():
		return nil, CompleteStats{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != b {
		return nil, CompleteStats{}, ErrBatchDiscarded
	}
	if !ok {
		return nil, CompleteStats{}, s.fail(b, fmt.Errorf("%w: batch %d result channel closed", ErrMissingResults, b.Index))
	}
	if res.Err != nil {
		return nil, CompleteStats{}, s.fail(b, fmt.Errorf("bake: batch %d: %w", b.Index, res.Err))
	}

	cells, stats, err := decodeBatch(b, res)
	if err != nil {
		return nil, CompleteStats{}, s.fail(b, err)
	}

	for _, c := range cells {
		s.cells[c.Index] = c
		s.sceneRefs[c.Index] = b.SceneRefs[c.Index]
	}
	s.finish(b)
	s.nextIndex = 0

	s.metrics.ObserveBatch("completed", b.Unique.Len(), stats.Probes)
	s.metrics.ObserveDilation(stats.Dilation.Repaired, stats.Dilation.Isolated)
	s.logger.Info("batch completed",
		zap.Int("batch", b.Index),
		zap.Int("cells", stats.Cells),
		zap.Int("probes", stats.Probes),
		zap.Int("invalid_probes", stats.Dilation.InvalidProbes),
		zap.Int("isolated_probes", stats.Dilation.Isolated),
	)
	return cells, stats, nil
}

func decodeBatch(b *Batch, res Result) ([]probe.Cell, CompleteStats, error) {
	var stats CompleteStats
	cells := make([]probe.Cell, 0, len(b.Cells))
	for _, bc := range b.Cells {
		cell := bc.Cell
		n := len(cell.ProbePositions)
		if n == 0 {
			continue
		}
		if len(res.SH) == 0 || len(res.Validity) == 0 {
			return nil, stats, fmt.Errorf("%w: cell %d has %d probes", ErrMissingResults, cell.Index, n)
		}

		cell.SH = make([]probe.SHL2, n)
		cell.Validity = make([]float32, n)
		for i := 0; i < n; i++ {
			j := bc.ProbeIndices[i]
			if j >= len(res.SH) || j >= len(res.Validity) {
				return nil, stats, fmt.Errorf("%w: cell %d probe %d maps to unique index %d of %d",
					ErrMissingResults, cell.Index, i, j, len(res.SH))
			}
			sh, err := probe.EncodeSH(res.SH[j])
			if err != nil {
				return nil, stats, fmt.Errorf("bake: cell %d probe %d: %w", cell.Index, i, err)
			}
			cell.SH[i] = sh
			cell.Validity[i] = res.Validity[j]
		}

		stats.Dilation.Add(probe.Dilate(cell.ProbePositions, cell.Bricks, cell.SH, cell.Validity, b.Settings))
		stats.Cells++
		stats.Probes += n
		cells = append(cells, cell)
	}
	return cells, stats, nil
}

// fail drops a batch whose results could not be published.
func (s *Session) fail(b *Batch, err error) error {
	s.finish(b)
	s.metrics.ObserveBatch("failed", b.Unique.Len(), 0)
	s.logger.Error("batch failed", zap.Int("batch", b.Index), zap.Error(err))
	return err
}

// finish detaches the batch listener, then releases baker state. Callers hold s.mu.
func (s *Session) finish(b *Batch) {
	if b.cancel != nil {
		b.cancel()
	}
	if !b.finished() {
		close(b.detached)
	}
	s.baker.Release(b.Index)
	if s.active == b {
		s.active = nil
	}
}

// Clear discards the active batch, if any, and all published cells, and
// starts a new epoch. A pending completion is detached before any state is
// torn down.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	if b := s.active; b != nil {
		s.finish(b)
		s.metrics.ObserveBatch("discarded", b.Unique.Len(), 0)
		s.logger.Info("batch discarded", zap.Int("batch", b.Index))
	}
	clear(s.cells)
	clear(s.sceneRefs)
	s.nextIndex = 0
}

// Epoch returns the number of times the session has been cleared.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Commit runs fn unless the session was cleared since epoch. Clear waits for
// fn to return, so results written by fn are never older than the last Clear.
func (s *Session) Commit(epoch uint64, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrBatchDiscarded
	}
	return fn()
}

// Active returns the outstanding batch or nil.
func (s *Session) Active() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Cells returns published cells ordered by cell index.
func (s *Session) Cells() []probe.Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]probe.Cell, 0, len(s.cells))
	for _, c := range s.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// SceneReferences returns the influence-ordered scenes of a published cell.
func (s *Session) SceneReferences(cellIndex int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sceneRefs[cellIndex]
}

func (s *Session) checkActive(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != b {
		return ErrBatchNotActive
	}
	return nil
}

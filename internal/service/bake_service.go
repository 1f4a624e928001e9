// Package service implements the bake job executor and asset queries behind the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/probebake/server/internal/bake"
	"github.com/probebake/server/internal/bakestore"
	"github.com/probebake/server/internal/cache"
	"github.com/probebake/server/internal/logging"
	"github.com/probebake/server/internal/placement"
	"github.com/probebake/server/internal/probe"
	"go.uber.org/zap"
)

// ErrNoScenes is returned for a bake request without scenes.
var ErrNoScenes = errors.New("service: bake request has no scenes")

// BakeService runs bake jobs through the pipeline and persists their assets.
type BakeService struct {
	pipeline *bake.Pipeline
	cache    *cache.Manager
	dilation probe.DilationSettings
	logger   *zap.Logger
}

// NewBakeService creates a bake service. dilation fills unset dilation fields
// of each reference volume. cache may be nil.
func NewBakeService(pipeline *bake.Pipeline, c *cache.Manager, dilation probe.DilationSettings, logger *zap.Logger) *BakeService {
	return &BakeService{
		pipeline: pipeline,
		cache:    c,
		dilation: dilation,
		logger:   logging.OrNop(logger).Named("bake_service"),
	}
}

// Session returns the bake session shared by every job.
func (s *BakeService) Session() *bake.Session {
	return s.pipeline.Session
}

// ValidateRequest checks a request before it is queued.
func ValidateRequest(req *bakestore.BakeRequest) error {
	if len(req.Scenes) == 0 {
		return ErrNoScenes
	}
	vols := make([]*placement.ReferenceVolume, 0, len(req.Scenes))
	for i := range req.Scenes {
		if req.Scenes[i].Name == "" {
			return fmt.Errorf("service: scene %d has no name", i)
		}
		vols = append(vols, req.Scenes[i].ReferenceVolume)
	}
	_, err := placement.CardinalReferenceVolume(vols)
	return err
}

// ApplyDilationDefaults fills unset dilation settings of the request's reference volumes.
func ApplyDilationDefaults(req *bakestore.BakeRequest, defaults probe.DilationSettings) {
	for i := range req.Scenes {
		rv := req.Scenes[i].ReferenceVolume
		if rv != nil {
			rv.Dilation = rv.Dilation.WithDefaults(defaults)
		}
	}
}

// Bake runs the pipeline for req and returns the report with its assets.
func (s *BakeService) Bake(ctx context.Context, req *bakestore.BakeRequest, progress bake.ProgressFunc) (*bake.Report, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	ApplyDilationDefaults(req, s.dilation)
	return s.pipeline.Run(ctx, req.Scenes, progress)
}

// Publish replaces the stored assets with the report's and drops cached
// copies. It returns bake.ErrBatchDiscarded if the session was cleared after
// the report's batch began, so a concurrent asset clear is never undone.
func (s *BakeService) Publish(store *bakestore.Store, jobID string, report *bake.Report) error {
	err := s.pipeline.Session.Commit(report.Epoch, func() error {
		return store.ReplaceAssets(jobID, report.Assets)
	})
	if errors.Is(err, bake.ErrBatchDiscarded) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to store assets: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(); err != nil {
			s.logger.Warn("failed to invalidate cache", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// ExecuteBakeJob is the job manager executor: it bakes the stored request,
// replaces the stored assets and records the report.
func (s *BakeService) ExecuteBakeJob(ctx context.Context, store *bakestore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	logger := s.logger.With(zap.String("job_id", jobID))

	report, err := s.Bake(ctx, &job.Request, func(phase string, fraction float64) {
		if err := store.UpdateJobProgress(jobID, phase, fraction); err != nil {
			logger.Warn("failed to update progress", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	if err := s.Publish(store, jobID, report); err != nil {
		return err
	}
	if err := store.UpdateJobReport(jobID, report); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}

	logger.Info("bake job finished",
		zap.Int("assets", len(report.Assets)),
		zap.Int("probes", report.Probes),
		zap.Int("repaired", report.Repaired),
	)
	return nil
}

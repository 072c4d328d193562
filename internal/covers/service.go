// Package covers generates a downsized raster cover from the first page of
// an archived document and publishes it to the source catalog. The policy
// lives here: skip when art exists, bounded retry under a per-attempt
// timeout, resize above a target width, downgrade upload failures.
// Rendering and upload are collaborators.
package covers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"biblio-integrator/internal/config"
	"biblio-integrator/internal/models"
	"biblio-integrator/internal/sourcestore"
	"biblio-integrator/internal/telemetry"
)

// Publisher optionally mirrors a generated cover to external storage.
type Publisher interface {
	Publish(ctx context.Context, key, filePath string) (string, error)
}

// Service applies the cover policy.
type Service struct {
	store     sourcestore.Store // nil disables existence check and upload
	renderer  Renderer
	publisher Publisher // nil disables mirroring
	log       *zap.Logger

	targetWidth int
	jpegQuality int
	maxAttempts int
	retryDelay  time.Duration
	renderLimit time.Duration
}

// NewService wires the policy with its collaborators.
func NewService(cfg config.Config, store sourcestore.Store, renderer Renderer, publisher Publisher, log *zap.Logger) *Service {
	return &Service{
		store:       store,
		renderer:    renderer,
		publisher:   publisher,
		log:         log.Named("covers"),
		targetWidth: cfg.CoverTargetWidth,
		jpegQuality: cfg.CoverJPEGQuality,
		maxAttempts: cfg.CoverMaxAttempts,
		retryDelay:  cfg.CoverRetryDelay,
		renderLimit: cfg.CoverRenderLimit,
	}
}

// Process runs the full policy for one record. It never returns an error;
// every failure mode is folded into the result status so a cover problem
// cannot abort the surrounding pipeline.
func (s *Service) Process(ctx context.Context, recordID, sourcePath, outputDir string) models.CoverResult {
	// Never overwrite manually curated art.
	if s.store != nil {
		exists, err := s.store.CoverExists(ctx, recordID)
		if err != nil {
			s.log.Warn("cover existence check failed, proceeding",
				zap.String("record_id", recordID), zap.Error(err))
		} else if exists {
			telemetry.CoversSkipped.Inc()
			return models.CoverResult{Status: models.CoverSkipped, Detail: "cover already exists"}
		}
	}

	coverPath, err := s.generate(ctx, recordID, sourcePath, outputDir)
	if err != nil {
		telemetry.CoverFailures.Inc()
		s.log.Error("cover generation failed", zap.String("record_id", recordID), zap.Error(err))
		return models.CoverResult{Status: models.CoverError, Detail: err.Error()}
	}
	telemetry.CoversGenerated.Inc()

	if s.publisher != nil {
		key := filepath.Base(coverPath)
		if loc, err := s.publisher.Publish(ctx, key, coverPath); err != nil {
			s.log.Warn("cover mirror failed", zap.String("record_id", recordID), zap.Error(err))
		} else {
			s.log.Info("cover mirrored", zap.String("record_id", recordID), zap.String("location", loc))
		}
	}

	if s.store == nil {
		return models.CoverResult{Status: models.CoverGeneratedOnly, File: coverPath}
	}
	if err := s.store.UploadCover(ctx, recordID, coverPath); err != nil {
		// The derivative exists on disk; only publication failed.
		s.log.Warn("cover upload failed", zap.String("record_id", recordID), zap.Error(err))
		return models.CoverResult{Status: models.CoverWarning, Detail: err.Error(), File: coverPath}
	}
	return models.CoverResult{Status: models.CoverSuccess, File: coverPath}
}

// generate renders the first page under the retry policy, then applies the
// resize and re-encode rules.
func (s *Service) generate(ctx context.Context, recordID, sourcePath, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create covers dir: %w", err)
	}
	coverPath := filepath.Join(outputDir, fmt.Sprintf("cover_%s.jpg", recordID))

	var lastErr error
	rendered := false
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.renderLimit)
		err := s.renderer.RenderFirstPage(attemptCtx, sourcePath, coverPath)
		cancel()
		if err == nil {
			rendered = true
			break
		}
		lastErr = err
		s.log.Warn("render attempt failed",
			zap.String("record_id", recordID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(err))
		if attempt < s.maxAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
	}
	if !rendered {
		return "", fmt.Errorf("first page extraction failed after %d attempts: %w", s.maxAttempts, lastErr)
	}

	img, err := imaging.Open(coverPath)
	if err != nil {
		return "", fmt.Errorf("open rendered page: %w", err)
	}
	if img.Bounds().Dx() > s.targetWidth {
		// Height 0 preserves aspect ratio.
		img = imaging.Resize(img, s.targetWidth, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, coverPath, imaging.JPEGQuality(s.jpegQuality)); err != nil {
		return "", fmt.Errorf("encode cover: %w", err)
	}
	return coverPath, nil
}

// Package pipeline is the integration job body: validate preconditions,
// relocate the source file into a collision-safe versioned location, fan
// out into a critical repository branch and a best-effort cover branch,
// reconcile both, and compensate on failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"biblio-integrator/internal/audit"
	"biblio-integrator/internal/config"
	"biblio-integrator/internal/mapping"
	"biblio-integrator/internal/marc"
	"biblio-integrator/internal/models"
	"biblio-integrator/internal/repostore"
	"biblio-integrator/internal/sourcestore"
)

// CoverProcessor is the best-effort branch collaborator.
type CoverProcessor interface {
	Process(ctx context.Context, recordID, sourcePath, outputDir string) models.CoverResult
}

// Progress receives human-readable stage notes for a running job.
type Progress func(jobID, note string)

// Pipeline executes one integration run per call; it is stateless across
// runs and safe for concurrent use.
type Pipeline struct {
	catalog sourcestore.Store
	repo    repostore.Store
	covers  CoverProcessor // nil disables the cover branch
	engine  *mapping.Engine
	trail   audit.Trail
	log     *zap.Logger

	mountPath    string
	processedDir string
	errorDir     string
	coversDir    string
	uiBaseURL    string

	sizeWarnBytes  int64
	sizeLimitBytes int64

	coverJoinTimeout  time.Duration
	coverPollAttempts int
	coverPollDelay    time.Duration
}

// New wires a pipeline from config and collaborators.
func New(cfg config.Config, catalog sourcestore.Store, repo repostore.Store, covers CoverProcessor, engine *mapping.Engine, trail audit.Trail, log *zap.Logger) *Pipeline {
	return &Pipeline{
		catalog:           catalog,
		repo:              repo,
		covers:            covers,
		engine:            engine,
		trail:             trail,
		log:               log.Named("pipeline"),
		mountPath:         cfg.MountPath,
		processedDir:      cfg.ProcessedDir(),
		errorDir:          cfg.ErrorDir(),
		coversDir:         cfg.CoversDir(),
		uiBaseURL:         strings.TrimRight(cfg.DSpaceUIBaseURL, "/"),
		sizeWarnBytes:     cfg.SizeWarnBytes,
		sizeLimitBytes:    cfg.SizeLimitBytes,
		coverJoinTimeout:  cfg.CoverJoinTimeout,
		coverPollAttempts: cfg.CoverPollAttempts,
		coverPollDelay:    cfg.CoverPollDelay,
	}
}

type criticalOutcome struct {
	item           repostore.Item
	linkedExisting bool
	err            error
}

// Run executes the whole integration for one record. The error, when
// non-nil, is always a *models.IntegrationError.
func (p *Pipeline) Run(ctx context.Context, jobID, recordID string, progress Progress) (*models.IntegrationResult, error) {
	note := func(msg string) {
		if progress != nil {
			progress(jobID, msg)
		}
	}
	log := p.log.With(zap.String("job_id", jobID), zap.String("record_id", recordID))

	// Sequential phase: each step's postcondition is the next step's
	// precondition, so none of this may run concurrently.
	note("validating record")
	ictx, err := p.validate(ctx, recordID, log)
	if err != nil {
		return nil, err
	}

	note("relocating file")
	if err := p.relocate(ctx, ictx, log); err != nil {
		return nil, err
	}

	// Parallel phase. The repository branch is fatal on error; the cover
	// branch degrades to a logged warning and is abandoned, not killed,
	// if it overruns the join timeout.
	note("uploading to repository")
	critCh := make(chan criticalOutcome, 1)
	go func() {
		item, linked, err := p.runCritical(ctx, ictx)
		critCh <- criticalOutcome{item: item, linkedExisting: linked, err: err}
	}()

	coverCh := make(chan models.CoverResult, 1)
	if p.covers != nil {
		go func() {
			coverCh <- p.covers.Process(ctx, recordID, ictx.ActivePath, p.coversDir)
		}()
	}

	crit := <-critCh
	if crit.err != nil {
		p.compensate(ctx, ictx, crit.err, log)
		return nil, crit.err
	}

	coverRef := p.joinCoverBranch(ctx, ictx, coverCh, log)

	note("finalizing")
	result, err := p.finalize(ctx, ictx, crit, coverRef, log)
	if err != nil {
		p.compensate(ctx, ictx, err, log)
		return nil, err
	}
	return result, nil
}

// validate runs the pre-relocation checks. Failures here need no
// compensation because the file has not moved yet.
func (p *Pipeline) validate(ctx context.Context, recordID string, log *zap.Logger) (*models.IntegrationContext, error) {
	meta, err := p.catalog.GetStructuredMetadata(ctx, recordID)
	if err != nil {
		if errors.Is(err, sourcestore.ErrRecordNotFound) || errors.Is(err, sourcestore.ErrNoControlBlock) {
			return nil, models.NewError(models.KindValidation, err)
		}
		return nil, models.NewError(models.KindRemoteService, err)
	}
	if meta.FilePath == "" {
		return nil, models.Errorf(models.KindValidation, "record %s has no file path", recordID)
	}
	if meta.CollectionID == "" {
		reason := fmt.Sprintf("record %s has no target collection id", recordID)
		p.reportStatus(ctx, recordID, sourcestore.StatusError, reason, log)
		return nil, models.Errorf(models.KindValidation, "%s", reason)
	}

	originalPath := filepath.Join(p.mountPath, meta.FilePath)
	info, err := os.Stat(originalPath)
	if err != nil {
		reason := fmt.Sprintf("file not found: %s", meta.FilePath)
		p.reportStatus(ctx, recordID, sourcestore.StatusError, reason, log)
		return nil, models.Errorf(models.KindValidation, "%s", reason)
	}

	size := info.Size()
	if size > p.sizeLimitBytes {
		reason := fmt.Sprintf("file exceeds size limit (%d > %d bytes)", size, p.sizeLimitBytes)
		p.reportStatus(ctx, recordID, sourcestore.StatusError, reason, log)
		return nil, models.Errorf(models.KindResourceLimit, "%s", reason)
	}
	if size > p.sizeWarnBytes {
		p.reportStatus(ctx, recordID, sourcestore.StatusProcessing,
			fmt.Sprintf("warning: large file (%d bytes)", size), log)
	} else {
		p.reportStatus(ctx, recordID, sourcestore.StatusProcessing, "integration started", log)
	}

	return &models.IntegrationContext{
		RecordID:     recordID,
		OriginalPath: originalPath,
		ActivePath:   originalPath,
		CollectionID: meta.CollectionID,
		SizeBytes:    size,
	}, nil
}

// relocate moves the file into its versioned working location. This is the
// point of no return: every later failure must compensate against the new
// location.
func (p *Pipeline) relocate(ctx context.Context, ictx *models.IntegrationContext, log *zap.Logger) error {
	dest := VersionedPath(p.processedDir, ictx.RecordID, filepath.Ext(ictx.OriginalPath))
	if err := moveFile(ictx.OriginalPath, dest); err != nil {
		reason := fmt.Sprintf("relocation failed: %v", err)
		p.reportStatus(ctx, ictx.RecordID, sourcestore.StatusError, reason, log)
		return models.Errorf(models.KindFileSystem, "relocate %s: %v", ictx.OriginalPath, err)
	}
	ictx.ActivePath = dest
	p.recordEvent(ctx, ictx.RecordID, "relocated", dest)
	log.Info("file relocated", zap.String("from", ictx.OriginalPath), zap.String("to", dest))
	return nil
}

// runCritical executes the repository branch: dedup lookup, then map,
// create, and upload for a fresh record.
func (p *Pipeline) runCritical(ctx context.Context, ictx *models.IntegrationContext) (repostore.Item, bool, error) {
	existing, err := p.repo.FindExistingItem(ctx, ictx.RecordID)
	if err != nil {
		return repostore.Item{}, false, models.Errorf(models.KindRemoteService, "dedup lookup: %v", err)
	}
	if existing != nil {
		// Already linked: reuse identifiers, create nothing.
		return *existing, true, nil
	}

	raw, err := p.catalog.GetRawRecord(ctx, ictx.RecordID)
	if err != nil {
		return repostore.Item{}, false, models.Errorf(models.KindRemoteService, "fetch raw record: %v", err)
	}
	mapped := p.mapMetadata(raw, ictx.RecordID)

	item, err := p.repo.CreateItem(ctx, ictx.CollectionID, mapped)
	if err != nil {
		return repostore.Item{}, false, models.Errorf(models.KindRemoteService, "create item: %v", err)
	}
	if err := p.repo.UploadFile(ctx, item.ID, ictx.ActivePath); err != nil {
		return repostore.Item{}, false, models.Errorf(models.KindRemoteService, "upload file: %v", err)
	}
	return item, false, nil
}

// mapMetadata runs the mapping engine and stamps the catalog record id so
// later runs can find the item. A malformed record degrades to a minimal
// mapping, never to a failure.
func (p *Pipeline) mapMetadata(raw []byte, recordID string) map[string]any {
	mapped := map[string]any{}
	rec, err := marc.Parse(raw)
	if err != nil {
		p.log.Warn("record did not parse, importing with minimal metadata",
			zap.String("record_id", recordID), zap.Error(err))
	} else {
		mapped = p.engine.Map(rec)
	}
	delete(mapped, mapping.ExistingHandleField)
	if _, ok := mapped["dc.title"]; !ok {
		mapped["dc.title"] = "Untitled"
	}
	mapped[repostore.RecordIDField] = recordID
	return mapped
}

// joinCoverBranch waits for the best-effort branch under a timeout, then
// resolves the durable cover reference with a short bounded poll; the
// catalog's indexing may lag the upload.
func (p *Pipeline) joinCoverBranch(ctx context.Context, ictx *models.IntegrationContext, coverCh <-chan models.CoverResult, log *zap.Logger) string {
	if p.covers == nil {
		return ""
	}

	var res models.CoverResult
	select {
	case res = <-coverCh:
	case <-time.After(p.coverJoinTimeout):
		log.Warn("cover branch overran join timeout, abandoning result")
		return ""
	case <-ctx.Done():
		return ""
	}

	switch res.Status {
	case models.CoverError:
		log.Warn("cover branch failed", zap.String("detail", res.Detail))
		return ""
	case models.CoverSkipped:
		log.Info("cover branch skipped", zap.String("detail", res.Detail))
		return ""
	}
	if res.File == "" {
		return ""
	}

	for attempt := 0; attempt < p.coverPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(p.coverPollDelay):
			}
		}
		ref, err := p.catalog.CoverReference(ctx, ictx.RecordID)
		if err != nil {
			log.Warn("cover reference lookup failed", zap.Error(err))
			continue
		}
		if ref != "" {
			return ref
		}
	}
	log.Warn("cover reference did not resolve within the attempt budget")
	return ""
}

// finalize writes the imported status and cross-references back to the
// catalog; a second run reading the catalog afterwards sees the new state.
func (p *Pipeline) finalize(ctx context.Context, ictx *models.IntegrationContext, crit criticalOutcome, coverRef string, log *zap.Logger) (*models.IntegrationResult, error) {
	finalRef := p.publicReference(crit.item)
	if err := p.catalog.SetSuccess(ctx, ictx.RecordID, finalRef, crit.item.ID, coverRef); err != nil {
		return nil, models.Errorf(models.KindRemoteService, "write back imported status: %v", err)
	}

	status := "imported"
	if crit.linkedExisting {
		status = "linked_existing"
	}
	p.recordEvent(ctx, ictx.RecordID, status, finalRef)
	log.Info("integration finished",
		zap.String("item_id", crit.item.ID),
		zap.String("reference", finalRef),
		zap.Bool("linked_existing", crit.linkedExisting))

	return &models.IntegrationResult{
		RecordID:       ictx.RecordID,
		ItemID:         crit.item.ID,
		Handle:         finalRef,
		Status:         status,
		CoverReference: coverRef,
		ArchivedPath:   ictx.ActivePath,
	}, nil
}

// publicReference turns a repository item into a durable public URL.
func (p *Pipeline) publicReference(item repostore.Item) string {
	switch {
	case strings.HasPrefix(item.Handle, "http://"), strings.HasPrefix(item.Handle, "https://"):
		return item.Handle
	case item.Handle != "":
		return fmt.Sprintf("%s/handle/%s", p.uiBaseURL, item.Handle)
	default:
		return fmt.Sprintf("%s/items/%s", p.uiBaseURL, item.ID)
	}
}

// compensate moves the relocated file into the error location so an
// operator can find and retry the exact artifact that failed. Best effort:
// its own failure is logged and never masks the original error.
func (p *Pipeline) compensate(ctx context.Context, ictx *models.IntegrationContext, cause error, log *zap.Logger) {
	p.reportStatus(ctx, ictx.RecordID, sourcestore.StatusError, cause.Error(), log)

	dest := filepath.Join(p.errorDir, filepath.Base(ictx.ActivePath))
	if err := moveFile(ictx.ActivePath, dest); err != nil {
		log.Error("compensation move failed",
			zap.String("active_path", ictx.ActivePath),
			zap.String("error_path", dest),
			zap.Error(err))
		return
	}
	p.recordEvent(ctx, ictx.RecordID, "compensated", dest)
	log.Warn("file moved to error location", zap.String("path", dest), zap.NamedError("cause", cause))
}

func (p *Pipeline) reportStatus(ctx context.Context, recordID, status, message string, log *zap.Logger) {
	if err := p.catalog.SetStatus(ctx, recordID, status, message); err != nil {
		log.Warn("status report to catalog failed",
			zap.String("status", status), zap.Error(err))
	}
}

func (p *Pipeline) recordEvent(ctx context.Context, recordID, event, detail string) {
	if p.trail == nil {
		return
	}
	if err := p.trail.Record(ctx, recordID, event, detail); err != nil {
		p.log.Warn("audit event not recorded", zap.String("event", event), zap.Error(err))
	}
}

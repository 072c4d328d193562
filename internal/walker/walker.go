// Package walker audits archived records overnight. It walks catalog ids,
// flags records whose file never made it into the repository, and pushes
// metadata back out when the catalog copy is newer than the repository's.
package walker

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"biblio-integrator/internal/mapping"
	"biblio-integrator/internal/marc"
	"biblio-integrator/internal/repostore"
	"biblio-integrator/internal/sourcestore"
)

// Default stop threshold for auto-discovery: this many missing ids in a
// row means the end of the catalog.
const DefaultMaxGap = 201

// Threshold below which clock skew between the two systems is ignored.
const syncSkew = 5 * time.Second

// Walker holds the clients one audit pass needs.
type Walker struct {
	catalog sourcestore.Store
	repo    repostore.Store
	engine  *mapping.Engine
	log     *zap.Logger

	MaxGap int
	Pace   time.Duration
}

// Report accumulates findings across a walk.
type Report struct {
	Scanned  int
	Zombies  []string
	Synced   []string
	SyncErrs []string
	LastID   int
}

func New(catalog sourcestore.Store, repo repostore.Store, engine *mapping.Engine, log *zap.Logger) *Walker {
	return &Walker{
		catalog: catalog,
		repo:    repo,
		engine:  engine,
		log:     log.Named("walker"),
		MaxGap:  DefaultMaxGap,
		Pace:    50 * time.Millisecond,
	}
}

// WalkRange audits every id in [start, end].
func (w *Walker) WalkRange(ctx context.Context, start, end int) (*Report, error) {
	w.log.Info("walk started", zap.Int("start", start), zap.Int("end", end))
	report := &Report{}
	for id := start; id <= end; id++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if w.Audit(ctx, id, report) {
			report.Scanned++
		}
		report.LastID = id
		w.pause(ctx)
	}
	w.log.Info("walk finished", zap.Int("scanned", report.Scanned),
		zap.Int("zombies", len(report.Zombies)), zap.Int("synced", len(report.Synced)))
	return report, nil
}

// WalkAll starts at id 1 and stops after MaxGap consecutive missing
// records, which marks the end of the catalog.
func (w *Walker) WalkAll(ctx context.Context) (*Report, error) {
	w.log.Info("walk started in auto-discovery mode", zap.Int("max_gap", w.MaxGap))
	report := &Report{}
	gap := 0
	for id := 1; ; id++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if w.Audit(ctx, id, report) {
			gap = 0
			report.Scanned++
			if report.Scanned%100 == 0 {
				w.log.Info("progress", zap.Int("last_id", id), zap.Int("scanned", report.Scanned))
			}
		} else {
			gap++
		}
		report.LastID = id
		if gap >= w.MaxGap {
			w.log.Info("end of catalog reached", zap.Int("last_id", id))
			break
		}
		w.pause(ctx)
	}
	w.log.Info("walk finished", zap.Int("scanned", report.Scanned),
		zap.Int("zombies", len(report.Zombies)), zap.Int("synced", len(report.Synced)))
	return report, nil
}

// Audit checks one record and returns whether it exists in the catalog.
func (w *Walker) Audit(ctx context.Context, id int, report *Report) bool {
	recordID := strconv.Itoa(id)
	meta, err := w.catalog.GetStructuredMetadata(ctx, recordID)
	if errors.Is(err, sourcestore.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, sourcestore.ErrNoControlBlock) {
		// The record exists, it just never entered the archiving flow.
		return true
	}
	if err != nil {
		w.log.Error("catalog read failed", zap.String("record_id", recordID), zap.Error(err))
		return false
	}

	raw, err := w.catalog.GetRawRecord(ctx, recordID)
	if err != nil {
		w.log.Error("raw record read failed", zap.String("record_id", recordID), zap.Error(err))
		return true
	}
	rec, err := marc.Parse(raw)
	if err != nil {
		w.log.Warn("record did not parse", zap.String("record_id", recordID), zap.Error(err))
		return true
	}

	mapped := w.engine.Map(rec)
	handle := mapping.ExistingHandle(mapped)

	// Dead link detector: a file that was staged but never archived.
	if meta.FilePath != "" && handle == "" &&
		meta.Status != sourcestore.StatusProcessing && meta.Status != sourcestore.StatusImported {
		w.log.Warn("zombie record, file staged but never archived",
			zap.String("record_id", recordID), zap.String("file", meta.FilePath))
		report.Zombies = append(report.Zombies, recordID)
	}

	w.checkSync(ctx, recordID, rec, mapped, meta, report)
	return true
}

// checkSync compares catalog and repository modification times and pushes
// fresh metadata when the catalog copy is newer than the skew threshold.
func (w *Walker) checkSync(ctx context.Context, recordID string, rec *marc.Record, mapped map[string]any, meta sourcestore.StructuredMetadata, report *Report) {
	itemID := meta.ExistingTargetID
	if itemID == "" {
		item, err := w.repo.FindExistingItem(ctx, recordID)
		if err != nil || item == nil {
			return
		}
		itemID = item.ID
	}

	catalogTime, ok := controlTimestamp(rec)
	if !ok {
		return
	}
	repoTime, err := w.repo.ItemLastModified(ctx, itemID)
	if err != nil || repoTime.IsZero() {
		return
	}

	if catalogTime.Sub(repoTime) <= syncSkew {
		return
	}

	delete(mapped, mapping.ExistingHandleField)
	mapped[repostore.RecordIDField] = recordID
	w.log.Info("catalog newer than repository, pushing metadata",
		zap.String("record_id", recordID),
		zap.Duration("skew", catalogTime.Sub(repoTime)))
	if err := w.repo.UpdateMetadata(ctx, itemID, mapped); err != nil {
		w.log.Error("metadata sync failed", zap.String("record_id", recordID), zap.Error(err))
		report.SyncErrs = append(report.SyncErrs, recordID)
		return
	}
	report.Synced = append(report.Synced, recordID)
}

// controlTimestamp reads the record's 005 field, "YYYYMMDDHHMMSS.f" in the
// catalog's local convention, treated as UTC for comparison.
func controlTimestamp(rec *marc.Record) (time.Time, bool) {
	raw := rec.Control("005")
	if raw == "" {
		return time.Time{}, false
	}
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	t, err := time.Parse("20060102150405", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (w *Walker) pause(ctx context.Context) {
	if w.Pace <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.Pace):
	}
}


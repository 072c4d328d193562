package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"biblio-integrator/internal/config"
	"biblio-integrator/internal/mapping"
	"biblio-integrator/internal/models"
	"biblio-integrator/internal/repostore"
	"biblio-integrator/internal/sourcestore"
)

const testRecordXML = `<record xmlns="http://www.loc.gov/MARC21/slim">
  <controlfield tag="001">42</controlfield>
  <datafield tag="245" ind1="1" ind2="0">
    <subfield code="a">History of the Region</subfield>
  </datafield>
  <datafield tag="100" ind1=" " ind2=" ">
    <subfield code="a">Petrenko, O.</subfield>
  </datafield>
  <datafield tag="260" ind1=" " ind2=" ">
    <subfield code="c">Kyiv, 1987.</subfield>
  </datafield>
</record>`

type statusCall struct {
	status  string
	message string
}

type fakeCatalog struct {
	mu         sync.Mutex
	meta       sourcestore.StructuredMetadata
	metaErr    error
	raw        []byte
	statuses   []statusCall
	success    *struct{ ref, itemID, coverRef string }
	coverRef   string
	successErr error
}

func (f *fakeCatalog) GetStructuredMetadata(ctx context.Context, recordID string) (sourcestore.StructuredMetadata, error) {
	return f.meta, f.metaErr
}

func (f *fakeCatalog) GetRawRecord(ctx context.Context, recordID string) ([]byte, error) {
	return f.raw, nil
}

func (f *fakeCatalog) SetStatus(ctx context.Context, recordID, status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusCall{status: status, message: message})
	return nil
}

func (f *fakeCatalog) SetSuccess(ctx context.Context, recordID, finalReference, targetID, coverReference string) error {
	if f.successErr != nil {
		return f.successErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success = &struct{ ref, itemID, coverRef string }{finalReference, targetID, coverReference}
	return nil
}

func (f *fakeCatalog) CoverExists(ctx context.Context, recordID string) (bool, error) {
	return false, nil
}

func (f *fakeCatalog) UploadCover(ctx context.Context, recordID, filePath string) error {
	return nil
}

func (f *fakeCatalog) CoverReference(ctx context.Context, recordID string) (string, error) {
	return f.coverRef, nil
}

func (f *fakeCatalog) lastStatus() statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return statusCall{}
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeRepo struct {
	mu        sync.Mutex
	existing  *repostore.Item
	created   []map[string]any
	uploaded  []string
	createErr error
	uploadErr error
}

func (f *fakeRepo) FindExistingItem(ctx context.Context, recordID string) (*repostore.Item, error) {
	return f.existing, nil
}

func (f *fakeRepo) CreateItem(ctx context.Context, collectionID string, metadata map[string]any) (repostore.Item, error) {
	if f.createErr != nil {
		return repostore.Item{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, metadata)
	return repostore.Item{ID: "item-uuid-1", Handle: "123/45"}, nil
}

func (f *fakeRepo) UploadFile(ctx context.Context, itemID, filePath string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, filePath)
	return nil
}

func (f *fakeRepo) UpdateMetadata(ctx context.Context, itemID string, metadata map[string]any) error {
	return nil
}

func (f *fakeRepo) ItemLastModified(ctx context.Context, itemID string) (time.Time, error) {
	return time.Time{}, nil
}

type fakeCovers struct {
	result models.CoverResult
	delay  time.Duration
}

func (f *fakeCovers) Process(ctx context.Context, recordID, sourcePath, outputDir string) models.CoverResult {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result
}

type fixture struct {
	cfg     config.Config
	catalog *fakeCatalog
	repo    *fakeRepo
	covers  *fakeCovers
}

func newFixture(t *testing.T, fileSize int) *fixture {
	t.Helper()
	mount := t.TempDir()
	if err := os.MkdirAll(filepath.Join(mount, "books"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mount, "books", "history_42.pdf"), make([]byte, fileSize), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	cfg := config.Config{
		MountPath:         mount,
		ProcessedFolder:   "Processed",
		ErrorFolder:       "Error",
		CoversFolder:      "covers",
		DSpaceUIBaseURL:   "https://repo.example",
		SizeWarnBytes:     100 * 1024 * 1024,
		SizeLimitBytes:    2 * 1024 * 1024 * 1024,
		CoverJoinTimeout:  500 * time.Millisecond,
		CoverPollAttempts: 2,
		CoverPollDelay:    5 * time.Millisecond,
	}
	return &fixture{
		cfg: cfg,
		catalog: &fakeCatalog{
			meta: sourcestore.StructuredMetadata{
				FilePath:     filepath.Join("books", "history_42.pdf"),
				CollectionID: "coll-uuid-1",
			},
			raw:      []byte(testRecordXML),
			coverRef: "https://catalog.example/cover/42",
		},
		repo:   &fakeRepo{},
		covers: &fakeCovers{result: models.CoverResult{Status: models.CoverSuccess, File: "cover_42.jpg"}},
	}
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	engine, err := mapping.NewEngine(mapping.DefaultRules())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return New(f.cfg, f.catalog, f.repo, f.covers, engine, nil, zap.NewNop())
}

func TestEndToEndNewRecord(t *testing.T) {
	f := newFixture(t, 2*1024*1024)
	p := f.pipeline(t)

	result, err := p.Run(context.Background(), "job-1", "42", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ItemID != "item-uuid-1" {
		t.Fatalf("item id = %s", result.ItemID)
	}
	if result.Status != "imported" {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Handle != "https://repo.example/handle/123/45" {
		t.Fatalf("handle = %s", result.Handle)
	}
	if result.CoverReference != "https://catalog.example/cover/42" {
		t.Fatalf("cover reference = %s", result.CoverReference)
	}

	wantFile := filepath.Join(f.cfg.ProcessedDir(), "42_v01.pdf")
	if result.ArchivedPath != wantFile {
		t.Fatalf("archived path = %s, want %s", result.ArchivedPath, wantFile)
	}
	if _, err := os.Stat(wantFile); err != nil {
		t.Fatalf("versioned file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.MountPath, "books", "history_42.pdf")); !os.IsNotExist(err) {
		t.Fatalf("original file still present after relocation")
	}

	if f.catalog.success == nil {
		t.Fatalf("imported status never written back")
	}
	if f.catalog.success.ref != result.Handle || f.catalog.success.itemID != "item-uuid-1" {
		t.Fatalf("write-back = %+v", f.catalog.success)
	}

	if len(f.repo.created) != 1 {
		t.Fatalf("create calls = %d", len(f.repo.created))
	}
	meta := f.repo.created[0]
	if meta["dc.title"] != "History of the Region" {
		t.Fatalf("mapped title = %v", meta["dc.title"])
	}
	if meta["dc.date.issued"] != "1987" {
		t.Fatalf("mapped year = %v", meta["dc.date.issued"])
	}
	if meta[repostore.RecordIDField] != "42" {
		t.Fatalf("record id stamp = %v", meta[repostore.RecordIDField])
	}
	if len(f.repo.uploaded) != 1 || f.repo.uploaded[0] != wantFile {
		t.Fatalf("upload used %v, want the relocated path", f.repo.uploaded)
	}
}

func TestDedupShortCircuit(t *testing.T) {
	f := newFixture(t, 1024)
	f.repo.existing = &repostore.Item{ID: "item-old", Handle: "123/7"}
	p := f.pipeline(t)

	result, err := p.Run(context.Background(), "job-1", "42", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.LinkedExisting() {
		t.Fatalf("status = %s, want linked_existing", result.Status)
	}
	if result.ItemID != "item-old" {
		t.Fatalf("item id = %s", result.ItemID)
	}
	if len(f.repo.created) != 0 {
		t.Fatalf("create must not be called for a linked record")
	}
	if len(f.repo.uploaded) != 0 {
		t.Fatalf("upload must not be called for a linked record")
	}
}

func TestCompensationAfterCriticalFailure(t *testing.T) {
	f := newFixture(t, 1024)
	f.repo.uploadErr = errors.New("bitstream rejected")
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), "job-1", "42", nil)
	if err == nil {
		t.Fatalf("expected run to fail")
	}
	if models.KindOf(err) != models.KindRemoteService {
		t.Fatalf("error kind = %q", models.KindOf(err))
	}

	working := filepath.Join(f.cfg.ProcessedDir(), "42_v01.pdf")
	if _, statErr := os.Stat(working); !os.IsNotExist(statErr) {
		t.Fatalf("working file still present after compensation")
	}
	errorCopy := filepath.Join(f.cfg.ErrorDir(), "42_v01.pdf")
	if _, statErr := os.Stat(errorCopy); statErr != nil {
		t.Fatalf("error-location file missing: %v", statErr)
	}
	if last := f.catalog.lastStatus(); last.status != sourcestore.StatusError {
		t.Fatalf("last upstream status = %+v", last)
	}
}

func TestCoverFailureDoesNotAbortRun(t *testing.T) {
	f := newFixture(t, 1024)
	f.covers.result = models.CoverResult{Status: models.CoverError, Detail: "render blew up"}
	p := f.pipeline(t)

	result, err := p.Run(context.Background(), "job-1", "42", nil)
	if err != nil {
		t.Fatalf("run must tolerate a cover failure, got %v", err)
	}
	if result.Status != "imported" {
		t.Fatalf("status = %s", result.Status)
	}
	if result.CoverReference != "" {
		t.Fatalf("cover reference should be empty, got %q", result.CoverReference)
	}
}

func TestSlowCoverBranchIsAbandoned(t *testing.T) {
	f := newFixture(t, 1024)
	f.cfg.CoverJoinTimeout = 30 * time.Millisecond
	f.covers.delay = 300 * time.Millisecond
	p := f.pipeline(t)

	start := time.Now()
	result, err := p.Run(context.Background(), "job-1", "42", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("join did not time out, run took %s", elapsed)
	}
	if result.CoverReference != "" {
		t.Fatalf("abandoned branch must not contribute a cover reference")
	}
}

func TestMissingFileFailsValidation(t *testing.T) {
	f := newFixture(t, 1024)
	f.catalog.meta.FilePath = filepath.Join("books", "no_such.pdf")
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), "job-1", "42", nil)
	if models.KindOf(err) != models.KindValidation {
		t.Fatalf("error kind = %q, err = %v", models.KindOf(err), err)
	}
	if last := f.catalog.lastStatus(); last.status != sourcestore.StatusError {
		t.Fatalf("missing file must be reported upstream, got %+v", last)
	}
	// Validation failed before relocation, so nothing to compensate.
	if entries, _ := os.ReadDir(f.cfg.ErrorDir()); len(entries) != 0 {
		t.Fatalf("error dir should be empty, has %d entries", len(entries))
	}
}

func TestSizeCeilingFailsBeforeRelocation(t *testing.T) {
	f := newFixture(t, 4096)
	f.cfg.SizeLimitBytes = 1024
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), "job-1", "42", nil)
	if models.KindOf(err) != models.KindResourceLimit {
		t.Fatalf("error kind = %q", models.KindOf(err))
	}
	if _, statErr := os.Stat(filepath.Join(f.cfg.MountPath, "books", "history_42.pdf")); statErr != nil {
		t.Fatalf("oversized file must stay in place: %v", statErr)
	}
}

func TestSizeWarningContinues(t *testing.T) {
	f := newFixture(t, 4096)
	f.cfg.SizeWarnBytes = 1024
	p := f.pipeline(t)

	result, err := p.Run(context.Background(), "job-1", "42", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != "imported" {
		t.Fatalf("status = %s", result.Status)
	}
	found := false
	f.catalog.mu.Lock()
	for _, s := range f.catalog.statuses {
		if s.status == sourcestore.StatusProcessing && len(s.message) > 0 && s.message[:7] == "warning" {
			found = true
		}
	}
	f.catalog.mu.Unlock()
	if !found {
		t.Fatalf("size warning was not reported upstream; statuses = %+v", f.catalog.statuses)
	}
}

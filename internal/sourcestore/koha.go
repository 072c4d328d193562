package sourcestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"biblio-integrator/internal/config"
	"biblio-integrator/internal/marc"
)

// MARC geography of the control block.
const (
	controlTag    = "956"
	subfieldFile  = "u"
	subfieldColl  = "x"
	subfieldState = "y"
	subfieldNote  = "z"
	subfieldItem  = "w"
	subfieldCover = "q"

	linkTag     = "856"
	linkLabel   = "Repository copy"
	maxNoteSize = 100
)

// KohaClient implements Store against the Koha REST API.
type KohaClient struct {
	baseURL string
	user    string
	pass    string
	client  *http.Client
	log     *zap.Logger
}

// NewKohaClient builds a catalog client from config.
func NewKohaClient(cfg config.Config, log *zap.Logger) *KohaClient {
	return &KohaClient{
		baseURL: cfg.KohaBaseURL,
		user:    cfg.KohaUser,
		pass:    cfg.KohaPass,
		client:  &http.Client{Timeout: cfg.KohaTimeout},
		log:     log.Named("koha"),
	}
}

func (k *KohaClient) recordURL(recordID string) string {
	return fmt.Sprintf("%s/api/v1/biblios/%s", k.baseURL, recordID)
}

func (k *KohaClient) coverURL(recordID string) string {
	return fmt.Sprintf("%s/api/v1/biblios/%s/cover", k.baseURL, recordID)
}

// GetRawRecord fetches the record as MARCXML.
func (k *KohaClient) GetRawRecord(ctx context.Context, recordID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.recordURL(recordID), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(k.user, k.pass)
	req.Header.Set("Accept", "application/marcxml+xml")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch record %s: %w", recordID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRecordNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch record %s: status %d", recordID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// GetStructuredMetadata parses the control block out of the record.
func (k *KohaClient) GetStructuredMetadata(ctx context.Context, recordID string) (StructuredMetadata, error) {
	raw, err := k.GetRawRecord(ctx, recordID)
	if err != nil {
		return StructuredMetadata{}, err
	}
	rec, err := marc.Parse(raw)
	if err != nil {
		return StructuredMetadata{}, fmt.Errorf("parse record %s: %w", recordID, err)
	}
	fields := rec.Fields(controlTag)
	if len(fields) == 0 {
		return StructuredMetadata{}, ErrNoControlBlock
	}
	f := fields[0]
	return StructuredMetadata{
		FilePath:         f.Subfield(subfieldFile),
		CollectionID:     f.Subfield(subfieldColl),
		Status:           f.Subfield(subfieldState),
		ExistingTargetID: f.Subfield(subfieldItem),
	}, nil
}

// SetStatus rewrites the control block status and trims the note so an
// overlong error message cannot break the record.
func (k *KohaClient) SetStatus(ctx context.Context, recordID, status, message string) error {
	return k.updateControl(ctx, recordID, func(rec *marc.Record) error {
		f, err := controlField(rec)
		if err != nil {
			return err
		}
		f.DeleteSubfield(subfieldState)
		f.DeleteSubfield(subfieldNote)
		if status != "" {
			f.SetSubfield(subfieldState, status)
		}
		if message != "" {
			if len(message) > maxNoteSize {
				message = message[:maxNoteSize]
			}
			f.SetSubfield(subfieldNote, message)
		}
		return nil
	})
}

// SetSuccess marks the record imported, stores the repository item id and
// optional cover reference in the control block, and replaces the public
// link field with the final reference.
func (k *KohaClient) SetSuccess(ctx context.Context, recordID, finalReference, targetID, coverReference string) error {
	return k.updateControl(ctx, recordID, func(rec *marc.Record) error {
		f, err := controlField(rec)
		if err != nil {
			return err
		}
		f.DeleteSubfield(subfieldNote)
		f.SetSubfield(subfieldState, StatusImported)
		if targetID != "" {
			f.SetSubfield(subfieldItem, targetID)
		}
		if coverReference != "" {
			f.SetSubfield(subfieldCover, coverReference)
		}
		if finalReference != "" {
			rec.RemoveFields(linkTag)
			rec.AppendField(marc.DataField{
				Tag: linkTag, Ind1: "4", Ind2: "0",
				Subfields: []marc.Subfield{
					{Code: "u", Value: finalReference},
					{Code: "y", Value: linkLabel},
				},
			})
		}
		return nil
	})
}

func controlField(rec *marc.Record) (*marc.DataField, error) {
	fields := rec.Fields(controlTag)
	if len(fields) == 0 {
		return nil, ErrNoControlBlock
	}
	return fields[0], nil
}

// updateControl is the read-modify-write cycle behind every record update.
func (k *KohaClient) updateControl(ctx context.Context, recordID string, mutate func(*marc.Record) error) error {
	raw, err := k.GetRawRecord(ctx, recordID)
	if err != nil {
		return err
	}
	rec, err := marc.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse record %s: %w", recordID, err)
	}
	if err := mutate(rec); err != nil {
		return err
	}
	body, err := rec.Bytes()
	if err != nil {
		return fmt.Errorf("serialize record %s: %w", recordID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, k.recordURL(recordID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(k.user, k.pass)
	req.Header.Set("Content-Type", "application/marcxml+xml")

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("update record %s: %w", recordID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("update record %s: status %d", recordID, resp.StatusCode)
	}
	return nil
}

// CoverExists asks the catalog whether cover art is already attached.
func (k *KohaClient) CoverExists(ctx context.Context, recordID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, k.coverURL(recordID), nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(k.user, k.pass)

	resp, err := k.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("check cover %s: %w", recordID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check cover %s: status %d", recordID, resp.StatusCode)
	}
}

// UploadCover publishes the generated image as the record's cover.
func (k *KohaClient) UploadCover(ctx context.Context, recordID, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open cover: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filepath.Base(filePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read cover: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, k.coverURL(recordID), &buf)
	if err != nil {
		return err
	}
	req.SetBasicAuth(k.user, k.pass)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload cover %s: %w", recordID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("upload cover %s: status %d", recordID, resp.StatusCode)
	}
	k.log.Info("cover uploaded", zap.String("record_id", recordID), zap.String("file", filePath))
	return nil
}

// CoverReference resolves the public cover URL once catalog indexing has
// caught up with the upload; "" means not yet visible.
func (k *KohaClient) CoverReference(ctx context.Context, recordID string) (string, error) {
	exists, err := k.CoverExists(ctx, recordID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}
	return k.coverURL(recordID), nil
}

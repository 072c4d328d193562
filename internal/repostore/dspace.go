package repostore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"biblio-integrator/internal/config"
)

// RecordIDField is the repository metadata field that links an item back to
// its catalog record; dedup lookups search on it.
const RecordIDField = "koha.biblionumber"

const (
	csrfCookie  = "DSPACE-XSRF-COOKIE"
	csrfHeader  = "X-XSRF-TOKEN"
	bundleName  = "ORIGINAL"
)

// DSpaceClient implements Store against the DSpace 7 REST API. It keeps a
// session (CSRF cookie plus bearer token) and re-authenticates once on 401.
type DSpaceClient struct {
	baseURL      string
	user         string
	pass         string
	client       *http.Client
	uploadClient *http.Client
	log          *zap.Logger

	mu    sync.Mutex
	token string
	csrf  string
}

// NewDSpaceClient builds a repository client from config.
func NewDSpaceClient(cfg config.Config, log *zap.Logger) (*DSpaceClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &DSpaceClient{
		baseURL:      cfg.DSpaceBaseURL,
		user:         cfg.DSpaceUser,
		pass:         cfg.DSpacePass,
		client:       &http.Client{Timeout: cfg.DSpaceTimeout, Jar: jar},
		uploadClient: &http.Client{Timeout: cfg.DSpaceUploadTimeout, Jar: jar},
		log:          log.Named("dspace"),
	}, nil
}

func (d *DSpaceClient) setCSRF(resp *http.Response) {
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookie && c.Value != "" {
			d.mu.Lock()
			d.csrf = c.Value
			d.mu.Unlock()
		}
	}
}

func (d *DSpaceClient) authHeaders(req *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "" {
		req.Header.Set("Authorization", d.token)
	}
	if d.csrf != "" {
		req.Header.Set(csrfHeader, d.csrf)
	}
}

// login refreshes the CSRF cookie and acquires a bearer token.
func (d *DSpaceClient) login(ctx context.Context) error {
	statusReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/authn/status", nil)
	if err != nil {
		return err
	}
	if resp, err := d.client.Do(statusReq); err == nil {
		d.setCSRF(resp)
		resp.Body.Close()
	}

	form := url.Values{"user": {d.user}, "password": {d.pass}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/authn/login", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	d.authHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("repository login: %w", err)
	}
	defer resp.Body.Close()
	d.setCSRF(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("repository login: status %d", resp.StatusCode)
	}
	token := resp.Header.Get("Authorization")
	if token == "" {
		return fmt.Errorf("repository login: no token returned")
	}
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
	return nil
}

// do executes an authenticated request, logging in lazily and retrying
// exactly once after a 401.
func (d *DSpaceClient) do(ctx context.Context, client *http.Client, method, endpoint string, body func() (io.Reader, string, error)) (*http.Response, error) {
	d.mu.Lock()
	loggedIn := d.token != ""
	d.mu.Unlock()
	if !loggedIn {
		if err := d.login(ctx); err != nil {
			return nil, err
		}
	}

	send := func() (*http.Response, error) {
		var reader io.Reader
		var contentType string
		if body != nil {
			var err error
			reader, contentType, err = body()
			if err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, d.baseURL+endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		d.authHeaders(req)
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		d.setCSRF(resp)
		return resp, nil
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := d.login(ctx); err != nil {
			return nil, err
		}
		return send()
	}
	return resp, nil
}

func jsonBody(v any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

type metadataValue struct {
	Value    string  `json:"value"`
	Language *string `json:"language"`
}

// toRepositoryMetadata converts a mapped output into the repository wire
// shape. Nil values and unknown types are skipped.
func toRepositoryMetadata(mapped map[string]any) map[string][]metadataValue {
	out := make(map[string][]metadataValue, len(mapped))
	for field, raw := range mapped {
		switch v := raw.(type) {
		case string:
			if v != "" {
				out[field] = []metadataValue{{Value: v}}
			}
		case []string:
			vals := make([]metadataValue, 0, len(v))
			for _, s := range v {
				if s != "" {
					vals = append(vals, metadataValue{Value: s})
				}
			}
			if len(vals) > 0 {
				out[field] = vals
			}
		}
	}
	return out
}

type itemResponse struct {
	UUID         string `json:"uuid"`
	Handle       string `json:"handle"`
	LastModified string `json:"lastModified"`
}

type searchResponse struct {
	Embedded struct {
		SearchResult struct {
			Embedded struct {
				Objects []struct {
					Embedded struct {
						IndexableObject itemResponse `json:"indexableObject"`
					} `json:"_embedded"`
				} `json:"objects"`
			} `json:"_embedded"`
		} `json:"searchResult"`
	} `json:"_embedded"`
}

// FindExistingItem searches the repository for an item tagged with the
// catalog record id.
func (d *DSpaceClient) FindExistingItem(ctx context.Context, recordID string) (*Item, error) {
	query := url.QueryEscape(fmt.Sprintf("%s:\"%s\"", RecordIDField, recordID))
	endpoint := fmt.Sprintf("/discover/search/objects?query=%s&dsoType=item&size=1", query)

	resp, err := d.do(ctx, d.client, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("search item for record %s: %w", recordID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search item for record %s: status %d", recordID, resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	objects := sr.Embedded.SearchResult.Embedded.Objects
	if len(objects) == 0 {
		return nil, nil
	}
	obj := objects[0].Embedded.IndexableObject
	if obj.UUID == "" {
		return nil, nil
	}
	return &Item{ID: obj.UUID, Handle: obj.Handle}, nil
}

// CreateItem creates an archived, discoverable item with mapped metadata.
func (d *DSpaceClient) CreateItem(ctx context.Context, collectionID string, metadata map[string]any) (Item, error) {
	meta := toRepositoryMetadata(metadata)
	name := ""
	if vals, ok := meta["dc.title"]; ok && len(vals) > 0 {
		name = vals[0].Value
	}
	payload := map[string]any{
		"name":         name,
		"metadata":     meta,
		"inArchive":    true,
		"discoverable": true,
	}
	endpoint := "/core/items?owningCollection=" + url.QueryEscape(collectionID)

	resp, err := d.do(ctx, d.client, http.MethodPost, endpoint, jsonBody(payload))
	if err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Item{}, fmt.Errorf("create item: status %d", resp.StatusCode)
	}

	var ir itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return Item{}, fmt.Errorf("decode item response: %w", err)
	}
	d.log.Info("item created", zap.String("item_id", ir.UUID), zap.String("handle", ir.Handle))
	return Item{ID: ir.UUID, Handle: ir.Handle}, nil
}

type bundleResponse struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type bundlesResponse struct {
	Embedded struct {
		Bundles []bundleResponse `json:"bundles"`
	} `json:"_embedded"`
}

func (d *DSpaceClient) resolveBundle(ctx context.Context, itemID string) (string, error) {
	resp, err := d.do(ctx, d.client, http.MethodGet, fmt.Sprintf("/core/items/%s/bundles", itemID), nil)
	if err != nil {
		return "", fmt.Errorf("list bundles: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		var br bundlesResponse
		if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
			return "", fmt.Errorf("decode bundles: %w", err)
		}
		for _, b := range br.Embedded.Bundles {
			if b.Name == bundleName {
				return b.UUID, nil
			}
		}
	}

	createResp, err := d.do(ctx, d.client, http.MethodPost, fmt.Sprintf("/core/items/%s/bundles", itemID), jsonBody(map[string]string{"name": bundleName}))
	if err != nil {
		return "", fmt.Errorf("create bundle: %w", err)
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK && createResp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create bundle: status %d", createResp.StatusCode)
	}
	var b bundleResponse
	if err := json.NewDecoder(createResp.Body).Decode(&b); err != nil {
		return "", fmt.Errorf("decode bundle: %w", err)
	}
	return b.UUID, nil
}

// UploadFile streams the file into the item's primary bundle as a new
// bitstream, under the long upload timeout.
func (d *DSpaceClient) UploadFile(ctx context.Context, itemID, filePath string) error {
	bundleID, err := d.resolveBundle(ctx, itemID)
	if err != nil {
		return err
	}

	body := func() (io.Reader, string, error) {
		file, err := os.Open(filePath)
		if err != nil {
			return nil, "", fmt.Errorf("open upload source: %w", err)
		}
		defer file.Close()

		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, file); err != nil {
			return nil, "", fmt.Errorf("read upload source: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}

	resp, err := d.do(ctx, d.uploadClient, http.MethodPost, fmt.Sprintf("/core/bundles/%s/bitstreams", bundleID), body)
	if err != nil {
		return fmt.Errorf("upload bitstream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload bitstream: status %d", resp.StatusCode)
	}
	d.log.Info("file uploaded", zap.String("item_id", itemID), zap.String("file", filePath))
	return nil
}

// UpdateMetadata replaces the item's descriptive metadata.
func (d *DSpaceClient) UpdateMetadata(ctx context.Context, itemID string, metadata map[string]any) error {
	payload := map[string]any{"metadata": toRepositoryMetadata(metadata)}
	resp, err := d.do(ctx, d.client, http.MethodPut, fmt.Sprintf("/core/items/%s", itemID), jsonBody(payload))
	if err != nil {
		return fmt.Errorf("update item metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("update item metadata: status %d", resp.StatusCode)
	}
	return nil
}

// ItemLastModified reads the repository's last-modified stamp for an item.
func (d *DSpaceClient) ItemLastModified(ctx context.Context, itemID string) (time.Time, error) {
	resp, err := d.do(ctx, d.client, http.MethodGet, fmt.Sprintf("/core/items/%s", itemID), nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("get item: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("get item: status %d", resp.StatusCode)
	}
	var ir itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return time.Time{}, fmt.Errorf("decode item: %w", err)
	}
	return parseRepositoryTime(ir.LastModified)
}

func parseRepositoryTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

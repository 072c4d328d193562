// Package batch drives mass archiving runs against the integrator API. It
// reads a candidates file, submits records one at a time, and polls each
// job to completion so the repository is never hit with a burst.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"biblio-integrator/internal/models"
)

// Outcome classifies the result of one candidate.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeLinked    Outcome = "linked"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeClientErr Outcome = "client_error"
	OutcomeConnErr   Outcome = "connection_error"
)

// Runner submits candidates sequentially and waits for each job to finish.
type Runner struct {
	BaseURL      string
	Token        string
	Client       *http.Client
	PollInterval time.Duration
	ItemDelay    time.Duration
	MaxWait      time.Duration
	Log          *zap.Logger
}

// NewRunner applies the defaults the batch robot has always used: poll
// every 3s, rest 5s between items, give up on a single job after 15m.
func NewRunner(baseURL, token string, log *zap.Logger) *Runner {
	return &Runner{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		Client:       &http.Client{Timeout: 30 * time.Second},
		PollInterval: 3 * time.Second,
		ItemDelay:    5 * time.Second,
		MaxWait:      15 * time.Minute,
		Log:          log.Named("batch"),
	}
}

// LoadCandidates reads and parses a candidates file.
func LoadCandidates(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candidates file: %w", err)
	}
	defer f.Close()
	return ParseCandidates(f)
}

// ParseCandidates parses record ids from a candidates listing. Lines may
// hold single ids, comma separated lists, and inclusive ranges ("100-110",
// reversed bounds are swapped). Anything after '#' is a comment. Duplicates
// collapse and the result is sorted numerically.
func ParseCandidates(r io.Reader) ([]string, error) {
	seen := map[int]struct{}{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if strings.Contains(part, "-") {
				bounds := strings.SplitN(part, "-", 2)
				start, err1 := strconv.Atoi(strings.TrimSpace(bounds[0]))
				end, err2 := strconv.Atoi(strings.TrimSpace(bounds[1]))
				if err1 != nil || err2 != nil {
					continue
				}
				if start > end {
					start, end = end, start
				}
				for i := start; i <= end; i++ {
					seen[i] = struct{}{}
				}
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				continue
			}
			seen[n] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}

	ids := make([]int, 0, len(seen))
	for n := range seen {
		ids = append(ids, n)
	}
	sort.Ints(ids)
	out := make([]string, len(ids))
	for i, n := range ids {
		out[i] = strconv.Itoa(n)
	}
	return out, nil
}

// Run processes every candidate in order and returns per-outcome counts.
func (r *Runner) Run(ctx context.Context, ids []string) map[Outcome]int {
	stats := map[Outcome]int{}
	r.Log.Info("batch started", zap.Int("candidates", len(ids)))

	for i, id := range ids {
		r.Log.Info("processing candidate",
			zap.String("record_id", id),
			zap.Int("position", i+1),
			zap.Int("total", len(ids)))
		outcome := r.ProcessOne(ctx, id)
		stats[outcome]++

		if ctx.Err() != nil {
			break
		}
		// Let the repository catch up on indexing between items.
		if i < len(ids)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(r.ItemDelay):
			}
		}
	}

	r.Log.Info("batch completed",
		zap.Int("success", stats[OutcomeSuccess]),
		zap.Int("linked", stats[OutcomeLinked]),
		zap.Int("failed", stats[OutcomeFailed]),
		zap.Int("skipped", stats[OutcomeSkipped]),
		zap.Int("timeout", stats[OutcomeTimeout]),
		zap.Int("client_error", stats[OutcomeClientErr]),
		zap.Int("connection_error", stats[OutcomeConnErr]))
	return stats
}

// ProcessOne submits a single record and polls its job until it finishes.
func (r *Runner) ProcessOne(ctx context.Context, recordID string) Outcome {
	jobID, outcome := r.submit(ctx, recordID)
	if outcome != "" {
		return outcome
	}

	deadline := time.Now().Add(r.MaxWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return OutcomeConnErr
		case <-time.After(r.PollInterval):
		}

		job, ok := r.pollStatus(ctx, jobID)
		if !ok {
			continue
		}
		switch job.State {
		case models.StateSuccess:
			if res := resultOf(job); res != nil && res.LinkedExisting() {
				r.Log.Info("record linked to existing item",
					zap.String("record_id", recordID), zap.String("handle", res.Handle))
				return OutcomeLinked
			}
			r.Log.Info("record archived", zap.String("record_id", recordID))
			return OutcomeSuccess
		case models.StateError:
			r.Log.Error("record failed",
				zap.String("record_id", recordID), zap.String("error", job.Error))
			return OutcomeFailed
		}
		// Still queued or processing, keep waiting.
	}

	r.Log.Error("record timed out", zap.String("record_id", recordID))
	return OutcomeTimeout
}

// submit starts the integration. The empty outcome means polling should
// proceed with the returned job id.
func (r *Runner) submit(ctx context.Context, recordID string) (string, Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/integrations/%s", r.BaseURL, recordID), nil)
	if err != nil {
		return "", OutcomeConnErr
	}
	r.authorize(req)

	resp, err := r.Client.Do(req)
	if err != nil {
		r.Log.Error("submit request failed", zap.String("record_id", recordID), zap.Error(err))
		return "", OutcomeConnErr
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		r.Log.Warn("record skipped, already processed or locked", zap.String("record_id", recordID))
		return "", OutcomeSkipped
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		body, _ := io.ReadAll(resp.Body)
		r.Log.Error("record rejected",
			zap.String("record_id", recordID),
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(body))))
		return "", OutcomeClientErr
	case resp.StatusCode != http.StatusAccepted:
		r.Log.Error("submit failed",
			zap.String("record_id", recordID), zap.Int("status", resp.StatusCode))
		return "", OutcomeFailed
	}

	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil || accepted.JobID == "" {
		r.Log.Error("submit response missing job id", zap.String("record_id", recordID))
		return "", OutcomeFailed
	}
	return accepted.JobID, ""
}

func (r *Runner) pollStatus(ctx context.Context, jobID string) (models.Job, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/integrations/jobs/%s", r.BaseURL, jobID), nil)
	if err != nil {
		return models.Job{}, false
	}
	r.authorize(req)

	resp, err := r.Client.Do(req)
	if err != nil {
		r.Log.Warn("status poll failed", zap.String("job_id", jobID), zap.Error(err))
		return models.Job{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Job{}, false
	}

	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return models.Job{}, false
	}
	return job, true
}

func (r *Runner) authorize(req *http.Request) {
	if r.Token != "" {
		req.Header.Set("X-Integrator-Token", r.Token)
	}
}

// resultOf recovers the typed result from the job payload, which arrives as
// generic JSON after a round trip through the API.
func resultOf(job models.Job) *models.IntegrationResult {
	if job.Result == nil {
		return nil
	}
	raw, err := json.Marshal(job.Result)
	if err != nil {
		return nil
	}
	var res models.IntegrationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil
	}
	return &res
}

package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"biblio-integrator/internal/models"
)

func TestParseCandidates(t *testing.T) {
	input := `
# nightly backlog
14
20, 21, 25
100-103
305-303, 400   # reversed range swaps
bogus
21
`
	ids, err := ParseCandidates(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"14", "20", "21", "25", "100", "101", "102", "103", "303", "304", "305", "400"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v want %v", ids, want)
	}
}

func TestParseCandidatesEmpty(t *testing.T) {
	ids, err := ParseCandidates(strings.NewReader("# only comments\n\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no candidates got %v", ids)
	}
}

func newRunnerFor(t *testing.T, srv *httptest.Server) *Runner {
	t.Helper()
	r := NewRunner(srv.URL, "tok", zap.NewNop())
	r.PollInterval = 5 * time.Millisecond
	r.ItemDelay = time.Millisecond
	r.MaxWait = 500 * time.Millisecond
	return r
}

func TestProcessOneSuccess(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Integrator-Token") != "tok" {
			t.Errorf("missing token header")
		}
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j1"})
		default:
			polls++
			job := models.Job{ID: "j1", RecordID: "42", State: models.StateProcessing}
			if polls >= 2 {
				job.State = models.StateSuccess
				job.Result = models.IntegrationResult{RecordID: "42", Handle: "123/45", Status: "imported"}
			}
			_ = json.NewEncoder(w).Encode(job)
		}
	}))
	defer srv.Close()

	if got := newRunnerFor(t, srv).ProcessOne(context.Background(), "42"); got != OutcomeSuccess {
		t.Fatalf("expected success got %s", got)
	}
}

func TestProcessOneLinkedExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j1"})
			return
		}
		_ = json.NewEncoder(w).Encode(models.Job{
			ID: "j1", State: models.StateSuccess,
			Result: models.IntegrationResult{Status: "linked_existing", Handle: "123/9"},
		})
	}))
	defer srv.Close()

	if got := newRunnerFor(t, srv).ProcessOne(context.Background(), "42"); got != OutcomeLinked {
		t.Fatalf("expected linked got %s", got)
	}
}

func TestProcessOneClassifiesSubmitErrors(t *testing.T) {
	cases := []struct {
		code int
		want Outcome
	}{
		{http.StatusConflict, OutcomeSkipped},
		{http.StatusNotFound, OutcomeClientErr},
		{http.StatusBadRequest, OutcomeClientErr},
		{http.StatusServiceUnavailable, OutcomeFailed},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		got := newRunnerFor(t, srv).ProcessOne(context.Background(), "42")
		srv.Close()
		if got != tc.want {
			t.Fatalf("status %d: expected %s got %s", tc.code, tc.want, got)
		}
	}
}

func TestProcessOneTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j1"})
			return
		}
		_ = json.NewEncoder(w).Encode(models.Job{ID: "j1", State: models.StateProcessing})
	}))
	defer srv.Close()

	r := newRunnerFor(t, srv)
	r.MaxWait = 30 * time.Millisecond
	if got := r.ProcessOne(context.Background(), "42"); got != OutcomeTimeout {
		t.Fatalf("expected timeout got %s", got)
	}
}

func TestRunCountsOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if strings.HasSuffix(r.URL.Path, "/7") {
				http.Error(w, "busy", http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j1"})
			return
		}
		_ = json.NewEncoder(w).Encode(models.Job{
			ID: "j1", State: models.StateSuccess,
			Result: models.IntegrationResult{Status: "imported"},
		})
	}))
	defer srv.Close()

	stats := newRunnerFor(t, srv).Run(context.Background(), []string{"7", "8"})
	if stats[OutcomeSkipped] != 1 || stats[OutcomeSuccess] != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

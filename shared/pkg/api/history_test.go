package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tfbench/tf-bench-util/pkg/api"
	"github.com/tfbench/tf-bench-util/pkg/metrics"
	"github.com/tfbench/tf-bench-util/pkg/models"
	"github.com/tfbench/tf-bench-util/pkg/ratelimit"
	"github.com/tfbench/tf-bench-util/pkg/store"
)

func seededRouter(t *testing.T) (http.Handler, []*models.Run) {
	t.Helper()
	s := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var runs []*models.Run
	for i, kind := range []string{"resize", "expand", "benchmark", "benchmark"} {
		run := &models.Run{
			ID:        uuid.New().String(),
			Kind:      kind,
			Command:   "python3 /scripts/run_benchmark.py",
			Status:    models.RunStatusSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateRun(context.Background(), run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		runs = append(runs, run)
	}

	reg := metrics.New()
	reg.ObserveLaunch("resize", "succeeded", 0, time.Second)
	h := api.NewHistoryHandler(s, reg.Handler(), nil)
	return api.NewRouter(h, nil, nil), runs
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := seededRouter(t)
	w := get(t, router, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"healthy"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestListRuns(t *testing.T) {
	router, runs := seededRouter(t)

	t.Run("All", func(t *testing.T) {
		w := get(t, router, "/runs")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var body struct {
			Runs  []models.Run `json:"runs"`
			Count int          `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Count != 4 || body.Runs[0].ID != runs[3].ID {
			t.Errorf("expected newest first, got %+v", body)
		}
	})

	t.Run("KindAndLimit", func(t *testing.T) {
		w := get(t, router, "/runs?kind=benchmark&limit=1")
		var body struct {
			Runs []models.Run `json:"runs"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Runs) != 1 || body.Runs[0].Kind != "benchmark" {
			t.Errorf("filter not applied: %+v", body.Runs)
		}
	})

	t.Run("BadLimit", func(t *testing.T) {
		if w := get(t, router, "/runs?limit=abc"); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestGetRun(t *testing.T) {
	router, runs := seededRouter(t)

	w := get(t, router, "/runs/"+runs[0].ID)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var run models.Run
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Kind != "resize" {
		t.Errorf("got kind %q", run.Kind)
	}

	if w := get(t, router, "/runs/does-not-exist"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	router, _ := seededRouter(t)
	w := get(t, router, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tfbench_launches_total") {
		t.Errorf("metrics not exposed: %s", w.Body.String())
	}
}

func TestRateLimitedRouter(t *testing.T) {
	h := api.NewHistoryHandler(store.NewMemoryStore(), nil, nil)
	router := api.NewRouter(h, nil, ratelimit.NewLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		if w := get(t, router, "/health"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := get(t, router, "/health"); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the burst is spent, got %d", w.Code)
	}
}

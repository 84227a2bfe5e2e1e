package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tfbench/tf-bench-util/pkg/models"
)

func newRun(kind string, started time.Time) *models.Run {
	return &models.Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Command:   "mpirun -np 8 python3 /scripts/" + kind + ".py",
		Hosts:     []string{"node1", "node2"},
		OutputDir: "/imagenet-scratch/out",
		Status:    models.RunStatusRunning,
		StartedAt: started,
	}
}

// exerciseStore runs the same contract against every backend
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	resize := newRun("resize", base)
	expand := newRun("expand", base.Add(time.Minute))
	bench := newRun("benchmark", base.Add(2*time.Minute))
	for _, r := range []*models.Run{resize, expand, bench} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun(%s): %v", r.Kind, err)
		}
	}

	if err := s.CreateRun(ctx, resize); !errors.Is(err, ErrRunExists) {
		t.Errorf("duplicate CreateRun: got %v, want ErrRunExists", err)
	}

	got, err := s.GetRun(ctx, resize.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Kind != "resize" || got.Status != models.RunStatusRunning || got.EndedAt != nil {
		t.Errorf("unexpected run: %+v", got)
	}
	if len(got.Hosts) != 2 || got.Hosts[1] != "node2" {
		t.Errorf("hosts not preserved: %v", got.Hosts)
	}
	if !got.StartedAt.Equal(base) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, base)
	}

	ended := base.Add(90 * time.Second)
	if err := s.FinishRun(ctx, resize.ID, models.RunStatusRunning, 0, ended, ""); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("finishing as running: expected ErrNotTerminal, got %v", err)
	}
	if err := s.FinishRun(ctx, resize.ID, models.RunStatusFailed, 3, ended, "exit status 3"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, err = s.GetRun(ctx, resize.ID)
	if err != nil {
		t.Fatalf("GetRun after finish: %v", err)
	}
	if got.Status != models.RunStatusFailed || got.ExitCode != 3 || got.Error != "exit status 3" {
		t.Errorf("finish not recorded: %+v", got)
	}
	if got.EndedAt == nil || got.Duration() != 90*time.Second {
		t.Errorf("duration = %v, want 90s", got.Duration())
	}

	if err := s.FinishRun(ctx, "missing", models.RunStatusSucceeded, 0, ended, ""); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("FinishRun(missing): got %v", err)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun(missing): got %v", err)
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != bench.ID || all[2].ID != resize.ID {
		t.Errorf("runs not newest first: %v", kinds(all))
	}

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns(limit): %v", err)
	}
	if len(limited) != 2 || limited[0].ID != bench.ID {
		t.Errorf("limit not applied: %v", kinds(limited))
	}

	expands, err := s.ListRuns(ctx, RunFilter{Kind: "expand"})
	if err != nil {
		t.Fatalf("ListRuns(kind): %v", err)
	}
	if len(expands) != 1 || expands[0].ID != expand.ID {
		t.Errorf("kind filter not applied: %v", kinds(expands))
	}

	// resize is finished and oldest; expand and bench are still running.
	deleted, err := s.DeleteRunsBefore(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("DeleteRunsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d runs, want 1", deleted)
	}
	if _, err := s.GetRun(ctx, resize.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("pruned run still present: %v", err)
	}
	if _, err := s.GetRun(ctx, expand.ID); err != nil {
		t.Errorf("running launch must survive pruning: %v", err)
	}

	if err := s.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func kinds(runs []*models.Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.Kind
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	run := newRun("resize", time.Now())
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	run.Hosts[0] = "mutated"

	got, _ := s.GetRun(context.Background(), run.ID)
	if got.Hosts[0] != "node1" {
		t.Errorf("store shares caller memory: %v", got.Hosts)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "tfbench.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tfbench.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	run := newRun("benchmark", time.Now().UTC().Truncate(time.Second))
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(context.Background(), run.ID); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
}

func TestPostgreSQLStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("DATABASE_DSN not set, skipping PostgreSQL tests")
	}
	s, err := NewPostgreSQLStore(Config{DSN: dsn})
	if err != nil {
		t.Fatalf("NewPostgreSQLStore: %v", err)
	}
	defer s.Close()
	if _, err := s.db.Exec("DELETE FROM runs"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	exerciseStore(t, s)
}

func TestParseDSN(t *testing.T) {
	cases := []struct {
		dsn     string
		typ     string
		path    string
		wantErr bool
	}{
		{dsn: "", typ: "memory"},
		{dsn: "memory://", typ: "memory"},
		{dsn: "sqlite:///var/lib/tfbench/history.db", typ: "sqlite", path: "/var/lib/tfbench/history.db"},
		{dsn: "./history.db", typ: "sqlite", path: "./history.db"},
		{dsn: "postgres://u:p@db:5432/tfbench?sslmode=disable", typ: "postgres", path: "postgres://u:p@db:5432/tfbench?sslmode=disable"},
		{dsn: "mysql://db/tfbench", wantErr: true},
	}
	for _, c := range cases {
		cfg, err := ParseDSN(c.dsn)
		if c.wantErr {
			if !errors.Is(err, ErrUnsupportedDatabase) {
				t.Errorf("ParseDSN(%q): expected ErrUnsupportedDatabase, got %v", c.dsn, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDSN(%q): %v", c.dsn, err)
			continue
		}
		if cfg.Type != c.typ || cfg.DSN != c.path {
			t.Errorf("ParseDSN(%q) = %+v", c.dsn, cfg)
		}
	}
}

func TestDollarPlaceholders(t *testing.T) {
	got := dollarPlaceholders("UPDATE runs SET a = ?, b = ? WHERE id = ?")
	want := "UPDATE runs SET a = $1, b = $2 WHERE id = $3"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

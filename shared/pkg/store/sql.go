package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tfbench/tf-bench-util/pkg/models"
)

// sqlRuns holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with '?' placeholders and rebound per driver.
type sqlRuns struct {
	db     *sql.DB
	rebind func(string) string
}

func questionMarks(q string) string { return q }

// dollarPlaceholders rewrites '?' placeholders to $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const runColumns = `id, kind, command, hosts, output_dir, log_file, dry_run, status, exit_code, started_at, ended_at, error`

func (s *sqlRuns) CreateRun(ctx context.Context, run *models.Run) error {
	hosts, err := json.Marshal(run.Hosts)
	if err != nil {
		return fmt.Errorf("failed to encode hosts: %w", err)
	}

	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}

	query := s.rebind(`INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Kind, run.Command, string(hosts), run.OutputDir, run.LogFile,
		run.DryRun, string(run.Status), run.ExitCode, run.StartedAt.UTC(), endedAt, run.Error,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRunExists
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *sqlRuns) FinishRun(ctx context.Context, id string, status models.RunStatus, exitCode int, endedAt time.Time, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	query := s.rebind(`UPDATE runs SET status = ?, exit_code = ?, ended_at = ?, error = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), exitCode, endedAt.UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *sqlRuns) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *sqlRuns) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if filter.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *sqlRuns) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM runs WHERE started_at < ? AND status <> ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC(), string(models.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlRuns) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlRuns) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*models.Run, error) {
	var (
		run     models.Run
		hosts   string
		status  string
		endedAt sql.NullTime
	)
	err := sc.Scan(&run.ID, &run.Kind, &run.Command, &hosts, &run.OutputDir, &run.LogFile,
		&run.DryRun, &status, &run.ExitCode, &run.StartedAt, &endedAt, &run.Error)
	if err != nil {
		return nil, err
	}
	if hosts != "" && hosts != "null" {
		if err := json.Unmarshal([]byte(hosts), &run.Hosts); err != nil {
			return nil, fmt.Errorf("failed to decode hosts for run %s: %w", run.ID, err)
		}
	}
	run.Status = models.RunStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return &run, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

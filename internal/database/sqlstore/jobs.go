package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/bardlex/scavenger/internal/model"
)

const jobColumns = `id, derivation_path, max_attempts, attempts_done, status, control, wallet_id,
	current_nonce, solution_id, error_message, started_at, completed_at, created_at, updated_at`

// CreateJob inserts a pending job and sets j.ID.
func (s *Store) CreateJob(ctx context.Context, j *model.MiningJob) error {
	now := time.Now().UTC()
	if j.Status == "" {
		j.Status = model.JobPending
	}
	j.CreatedAt, j.UpdatedAt = now, now

	err := s.queryRow(ctx, `
		INSERT INTO mining_jobs (derivation_path, max_attempts, attempts_done, status, control, wallet_id,
			current_nonce, solution_id, error_message, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		j.DerivationPath, j.MaxAttempts, j.AttemptsDone, string(j.Status), string(j.Control), j.WalletID,
		j.CurrentNonce, j.SolutionID, j.ErrorMessage, nullMillis(j.StartedAt), nullMillis(j.CompletedAt),
		toMillis(now), toMillis(now),
	).Scan(&j.ID)
	if err != nil {
		return dbErr(err, "create_job", "failed to insert job")
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*model.MiningJob, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM mining_jobs WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_job", "job", id)
	}
	return j, err
}

// SaveJob checkpoints the job's progress and status. The control column is
// owned by SetJobControl and is not overwritten here.
func (s *Store) SaveJob(ctx context.Context, j *model.MiningJob) error {
	j.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE mining_jobs SET derivation_path = ?, attempts_done = ?, status = ?, wallet_id = ?,
			current_nonce = ?, solution_id = ?, error_message = ?, started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		j.DerivationPath, j.AttemptsDone, string(j.Status), j.WalletID, j.CurrentNonce, j.SolutionID,
		j.ErrorMessage, nullMillis(j.StartedAt), nullMillis(j.CompletedAt), toMillis(j.UpdatedAt), j.ID)
	if err != nil {
		return dbErr(err, "save_job", "failed to update job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("save_job", "job", j.ID)
	}
	return nil
}

// SetJobControl records an external stop or pause request, or clears it.
func (s *Store) SetJobControl(ctx context.Context, id int64, control model.JobControl) error {
	res, err := s.exec(ctx, `UPDATE mining_jobs SET control = ?, updated_at = ? WHERE id = ?`,
		string(control), time.Now().UnixMilli(), id)
	if err != nil {
		return dbErr(err, "set_job_control", "failed to update job control")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("set_job_control", "job", id)
	}
	return nil
}

// GetJobControl reads only the control column; polled during a chunk.
func (s *Store) GetJobControl(ctx context.Context, id int64) (model.JobControl, error) {
	var control string
	err := s.queryRow(ctx, `SELECT control FROM mining_jobs WHERE id = ?`, id).Scan(&control)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", notFound("get_job_control", "job", id)
	}
	if err != nil {
		return "", dbErr(err, "get_job_control", "failed to read job control")
	}
	return model.JobControl(control), nil
}

// ListRunnableJobs returns pending and running jobs, oldest first.
func (s *Store) ListRunnableJobs(ctx context.Context, limit int) ([]*model.MiningJob, error) {
	rows, err := s.query(ctx, `
		SELECT `+jobColumns+` FROM mining_jobs
		WHERE status IN (?, ?)
		ORDER BY id ASC
		LIMIT ?`,
		string(model.JobPending), string(model.JobRunning), limit)
	if err != nil {
		return nil, dbErr(err, "list_runnable_jobs", "failed to query jobs")
	}
	defer closeRows(rows)

	var out []*model.MiningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "list_runnable_jobs", "failed to read jobs")
	}
	return out, nil
}

func scanJob(sc scanner) (*model.MiningJob, error) {
	var (
		j                      model.MiningJob
		status, control        string
		startedAt, completedAt sql.NullInt64
		createdAt, updatedAt   int64
	)
	err := sc.Scan(&j.ID, &j.DerivationPath, &j.MaxAttempts, &j.AttemptsDone, &status, &control,
		&j.WalletID, &j.CurrentNonce, &j.SolutionID, &j.ErrorMessage, &startedAt, &completedAt,
		&createdAt, &updatedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr(err, "scan_job", "failed to scan job")
	}
	j.Status = model.JobStatus(status)
	j.Control = model.JobControl(control)
	j.StartedAt = fromNullMillis(startedAt)
	j.CompletedAt = fromNullMillis(completedAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return &j, nil
}

// CountJobs returns the number of jobs ever created.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM mining_jobs`).Scan(&n); err != nil {
		return 0, dbErr(err, "count_jobs", "failed to count jobs")
	}
	return n, nil
}

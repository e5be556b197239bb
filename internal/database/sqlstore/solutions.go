package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/bardlex/scavenger/internal/model"
)

const solutionColumns = `id, wallet_id, challenge_id, nonce, preimage, hash_result, difficulty,
	submission_status, receipt, error_message, found_at, submitted_at, confirmed_at`

// CreateSolution inserts a found solution and sets sol.ID. The same
// (wallet, challenge, nonce) is stored once; a repeat returns the existing id.
func (s *Store) CreateSolution(ctx context.Context, sol *model.Solution) error {
	if sol.Status == "" {
		sol.Status = model.SubmissionPending
	}
	if sol.FoundAt.IsZero() {
		sol.FoundAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, `
		INSERT INTO solutions (wallet_id, challenge_id, nonce, preimage, hash_result, difficulty,
			submission_status, receipt, error_message, found_at, submitted_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (wallet_id, challenge_id, nonce) DO NOTHING`,
		sol.WalletID, sol.ChallengeID, sol.Nonce, sol.Preimage, sol.HashResult, sol.Difficulty,
		string(sol.Status), sol.Receipt, sol.ErrorMessage, toMillis(sol.FoundAt),
		nullMillis(sol.SubmittedAt), nullMillis(sol.ConfirmedAt))
	if err != nil {
		return dbErr(err, "create_solution", "failed to insert solution")
	}

	err = s.queryRow(ctx, `SELECT id FROM solutions WHERE wallet_id = ? AND challenge_id = ? AND nonce = ?`,
		sol.WalletID, sol.ChallengeID, sol.Nonce).Scan(&sol.ID)
	if err != nil {
		return dbErr(err, "create_solution", "failed to read solution id")
	}
	return nil
}

// GetSolution loads a solution by id.
func (s *Store) GetSolution(ctx context.Context, id int64) (*model.Solution, error) {
	sol, err := scanSolution(s.queryRow(ctx, `SELECT `+solutionColumns+` FROM solutions WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_solution", "solution", id)
	}
	return sol, err
}

// UpdateSolution writes a status transition. A row that already holds a
// receipt keeps its receipt and status regardless of the values passed.
func (s *Store) UpdateSolution(ctx context.Context, sol *model.Solution) error {
	res, err := s.exec(ctx, `
		UPDATE solutions SET
			submission_status = CASE WHEN receipt <> '' THEN submission_status ELSE ? END,
			receipt           = CASE WHEN receipt <> '' THEN receipt ELSE ? END,
			error_message     = ?,
			submitted_at      = COALESCE(?, submitted_at),
			confirmed_at      = COALESCE(confirmed_at, ?)
		WHERE id = ?`,
		string(sol.Status), sol.Receipt, sol.ErrorMessage,
		nullMillis(sol.SubmittedAt), nullMillis(sol.ConfirmedAt), sol.ID)
	if err != nil {
		return dbErr(err, "update_solution", "failed to update solution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("update_solution", "solution", sol.ID)
	}
	return nil
}

// ResetSolution moves a solution back to pending. It reports false, without
// writing, when the solution holds a receipt or is confirmed.
func (s *Store) ResetSolution(ctx context.Context, id int64) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE solutions SET submission_status = ?, error_message = '', submitted_at = NULL
		WHERE id = ? AND receipt = '' AND submission_status <> ?`,
		string(model.SubmissionPending), id, string(model.SubmissionConfirmed))
	if err != nil {
		return false, dbErr(err, "reset_solution", "failed to reset solution")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListSolutionsByStatus returns up to limit solutions in status, oldest first.
func (s *Store) ListSolutionsByStatus(ctx context.Context, status model.SubmissionStatus, limit int) ([]*model.Solution, error) {
	rows, err := s.query(ctx, `
		SELECT `+solutionColumns+` FROM solutions
		WHERE submission_status = ?
		ORDER BY id ASC
		LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, dbErr(err, "list_solutions", "failed to query solutions")
	}
	defer closeRows(rows)

	var out []*model.Solution
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sol)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "list_solutions", "failed to read solutions")
	}
	return out, nil
}

// CountConfirmedByDay counts confirmed solutions on network grouped by the
// challenge day they were found for.
func (s *Store) CountConfirmedByDay(ctx context.Context, network model.Network) (map[int]int, error) {
	rows, err := s.query(ctx, `
		SELECT c.day, COUNT(*) FROM solutions s
		JOIN challenges c ON c.challenge_id = s.challenge_id
		JOIN wallets w ON w.id = s.wallet_id
		WHERE s.submission_status = ? AND w.network = ?
		GROUP BY c.day`,
		string(model.SubmissionConfirmed), string(network))
	if err != nil {
		return nil, dbErr(err, "count_confirmed_by_day", "failed to query counts")
	}
	defer closeRows(rows)

	out := make(map[int]int)
	for rows.Next() {
		var day, n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, dbErr(err, "count_confirmed_by_day", "failed to scan count")
		}
		out[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "count_confirmed_by_day", "failed to read counts")
	}
	return out, nil
}

func scanSolution(sc scanner) (*model.Solution, error) {
	var (
		sol                      model.Solution
		status                   string
		foundAt                  int64
		submittedAt, confirmedAt sql.NullInt64
	)
	err := sc.Scan(&sol.ID, &sol.WalletID, &sol.ChallengeID, &sol.Nonce, &sol.Preimage, &sol.HashResult,
		&sol.Difficulty, &status, &sol.Receipt, &sol.ErrorMessage, &foundAt, &submittedAt, &confirmedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr(err, "scan_solution", "failed to scan solution")
	}
	sol.Status = model.SubmissionStatus(status)
	sol.FoundAt = fromMillis(foundAt)
	sol.SubmittedAt = fromNullMillis(submittedAt)
	sol.ConfirmedAt = fromNullMillis(confirmedAt)
	return &sol, nil
}

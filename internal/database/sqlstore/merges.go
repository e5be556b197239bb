package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/bardlex/scavenger/internal/model"
)

const mergeColumns = `id, original_address, payout_address, original_wallet_id, signature, receipt,
	solutions_consolidated, status, already_assigned, retryable, attempts, error_message, merged_at, updated_at`

// GetMerge returns the merge record for original, or nil, nil when none exists.
func (s *Store) GetMerge(ctx context.Context, originalAddress string) (*model.MergeRecord, error) {
	rec, err := scanMerge(s.queryRow(ctx, `SELECT `+mergeColumns+` FROM merges WHERE original_address = ?`, originalAddress))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// SaveMerge upserts rec keyed by original address. An existing success row is
// never overwritten: the write is skipped and SaveMerge reports false.
func (s *Store) SaveMerge(ctx context.Context, rec *model.MergeRecord) (bool, error) {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `
		INSERT INTO merges (original_address, payout_address, original_wallet_id, signature, receipt,
			solutions_consolidated, status, already_assigned, retryable, attempts, error_message,
			merged_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (original_address) DO UPDATE SET
			payout_address         = excluded.payout_address,
			original_wallet_id     = excluded.original_wallet_id,
			signature              = excluded.signature,
			receipt                = excluded.receipt,
			solutions_consolidated = excluded.solutions_consolidated,
			status                 = excluded.status,
			already_assigned       = excluded.already_assigned,
			retryable              = excluded.retryable,
			attempts               = excluded.attempts,
			error_message          = excluded.error_message,
			merged_at              = excluded.merged_at,
			updated_at             = excluded.updated_at
		WHERE merges.status <> ?`,
		rec.OriginalAddress, rec.PayoutAddress, rec.OriginalWalletID, rec.Signature, rec.Receipt,
		rec.SolutionsConsolidated, string(rec.Status), rec.AlreadyAssigned, rec.Retryable, rec.Attempts,
		rec.ErrorMessage, nullMillis(rec.MergedAt), toMillis(rec.UpdatedAt), string(model.MergeSuccess))
	if err != nil {
		return false, dbErr(err, "save_merge", "failed to upsert merge record")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if err := s.queryRow(ctx, `SELECT id FROM merges WHERE original_address = ?`, rec.OriginalAddress).Scan(&rec.ID); err != nil {
		return true, dbErr(err, "save_merge", "failed to read merge id")
	}
	return true, nil
}

// ListMerges returns the merge records targeting payout, oldest first.
func (s *Store) ListMerges(ctx context.Context, payout string) ([]*model.MergeRecord, error) {
	rows, err := s.query(ctx, `SELECT `+mergeColumns+` FROM merges WHERE payout_address = ? ORDER BY id ASC`, payout)
	if err != nil {
		return nil, dbErr(err, "list_merges", "failed to query merges")
	}
	defer closeRows(rows)

	var out []*model.MergeRecord
	for rows.Next() {
		rec, err := scanMerge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "list_merges", "failed to read merges")
	}
	return out, nil
}

func scanMerge(sc scanner) (*model.MergeRecord, error) {
	var (
		rec       model.MergeRecord
		status    string
		mergedAt  sql.NullInt64
		updatedAt int64
	)
	err := sc.Scan(&rec.ID, &rec.OriginalAddress, &rec.PayoutAddress, &rec.OriginalWalletID, &rec.Signature,
		&rec.Receipt, &rec.SolutionsConsolidated, &status, &rec.AlreadyAssigned, &rec.Retryable,
		&rec.Attempts, &rec.ErrorMessage, &mergedAt, &updatedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr(err, "scan_merge", "failed to scan merge record")
	}
	rec.Status = model.MergeStatus(status)
	rec.MergedAt = fromNullMillis(mergedAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

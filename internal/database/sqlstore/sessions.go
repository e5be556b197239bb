package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

const sessionColumns = `session_key, payout_address, total, processed, successful, failed, item_list,
	processed_addresses, status, checkpoints, current_delay_ms, error_message, created_at, updated_at`

// CreateSession inserts a new session with its sealed item snapshot. It
// reports false when a session with the same key already exists.
func (s *Store) CreateSession(ctx context.Context, sess *model.BatchSession) (bool, error) {
	items, err := json.Marshal(sess.Items)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "create_session", "failed to encode items")
	}
	sealed, err := s.seal(items)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "create_session", "failed to seal items")
	}
	processed, err := json.Marshal(nonNil(sess.ProcessedAddresses))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "create_session", "failed to encode processed addresses")
	}

	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	res, err := s.exec(ctx, `
		INSERT INTO batch_sessions (session_key, payout_address, total, processed, successful, failed,
			item_list, processed_addresses, status, checkpoints, current_delay_ms, error_message,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO NOTHING`,
		sess.SessionKey, sess.PayoutAddress, sess.Total, sess.Processed, sess.Successful, sess.Failed,
		sealed, string(processed), string(sess.Status), sess.Checkpoints, sess.CurrentDelay.Milliseconds(),
		sess.ErrorMessage, toMillis(now), toMillis(now))
	if err != nil {
		return false, dbErr(err, "create_session", "failed to insert session")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetSession loads a session including its opened item snapshot.
func (s *Store) GetSession(ctx context.Context, key string) (*model.BatchSession, error) {
	sess, err := s.scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM batch_sessions WHERE session_key = ?`, key))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_session", "session", key)
	}
	return sess, err
}

// SaveSession checkpoints counters, processed addresses, status and delay.
// The item snapshot is never rewritten. A completed or cancelled session is
// final: the write is skipped and SaveSession reports false.
func (s *Store) SaveSession(ctx context.Context, sess *model.BatchSession) (bool, error) {
	processed, err := json.Marshal(nonNil(sess.ProcessedAddresses))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "save_session", "failed to encode processed addresses")
	}
	sess.UpdatedAt = time.Now().UTC()

	res, err := s.exec(ctx, `
		UPDATE batch_sessions SET processed = ?, successful = ?, failed = ?, processed_addresses = ?,
			status = ?, checkpoints = ?, current_delay_ms = ?, error_message = ?, updated_at = ?
		WHERE session_key = ? AND status NOT IN (?, ?)`,
		sess.Processed, sess.Successful, sess.Failed, string(processed), string(sess.Status),
		sess.Checkpoints, sess.CurrentDelay.Milliseconds(), sess.ErrorMessage, toMillis(sess.UpdatedAt),
		sess.SessionKey, string(model.SessionCompleted), string(model.SessionCancelled))
	if err != nil {
		return false, dbErr(err, "save_session", "failed to update session")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListResumableSessions returns sessions that are pending, processing or
// interrupted, oldest first. Item snapshots are not loaded.
func (s *Store) ListResumableSessions(ctx context.Context) ([]*model.BatchSession, error) {
	rows, err := s.query(ctx, `
		SELECT session_key, payout_address, total, processed, successful, failed, status, updated_at
		FROM batch_sessions
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		string(model.SessionPending), string(model.SessionProcessing), string(model.SessionInterrupted))
	if err != nil {
		return nil, dbErr(err, "list_sessions", "failed to query sessions")
	}
	defer closeRows(rows)

	var out []*model.BatchSession
	for rows.Next() {
		var (
			sess      model.BatchSession
			status    string
			updatedAt int64
		)
		if err := rows.Scan(&sess.SessionKey, &sess.PayoutAddress, &sess.Total, &sess.Processed,
			&sess.Successful, &sess.Failed, &status, &updatedAt); err != nil {
			return nil, dbErr(err, "list_sessions", "failed to scan session")
		}
		sess.Status = model.SessionStatus(status)
		sess.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "list_sessions", "failed to read sessions")
	}
	return out, nil
}

func (s *Store) scanSession(sc scanner) (*model.BatchSession, error) {
	var (
		sess                 model.BatchSession
		items, processed     string
		status               string
		delayMS              int64
		createdAt, updatedAt int64
	)
	err := sc.Scan(&sess.SessionKey, &sess.PayoutAddress, &sess.Total, &sess.Processed, &sess.Successful,
		&sess.Failed, &items, &processed, &status, &sess.Checkpoints, &delayMS, &sess.ErrorMessage,
		&createdAt, &updatedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, dbErr(err, "scan_session", "failed to scan session")
	}

	raw, err := s.open(items)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "scan_session", "failed to open item snapshot").
			WithContext("session_key", sess.SessionKey)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sess.Items); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "scan_session", "failed to decode item snapshot")
		}
	}
	if err := json.Unmarshal([]byte(processed), &sess.ProcessedAddresses); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "scan_session", "failed to decode processed addresses")
	}

	sess.Status = model.SessionStatus(status)
	sess.CurrentDelay = time.Duration(delayMS) * time.Millisecond
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/bardlex/scavenger/internal/model"
)

// SaveChallenge records a fetched challenge. Challenges are immutable; a
// repeat save of the same id is ignored.
func (s *Store) SaveChallenge(ctx context.Context, ch *model.Challenge) error {
	_, err := s.exec(ctx, `
		INSERT INTO challenges (challenge_id, day, challenge_number, difficulty, no_pre_mine,
			no_pre_mine_hour, latest_submission, issued_at, mining_period_ends, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (challenge_id) DO NOTHING`,
		ch.ChallengeID, ch.Day, ch.ChallengeNumber, ch.Difficulty, ch.NoPreMine, ch.NoPreMineHour,
		ch.LatestSubmission, toMillis(ch.IssuedAt), toMillis(ch.MiningPeriodEnds), toMillis(ch.FetchedAt))
	if err != nil {
		return dbErr(err, "save_challenge", "failed to insert challenge")
	}
	return nil
}

// GetChallenge loads a challenge by id.
func (s *Store) GetChallenge(ctx context.Context, challengeID string) (*model.Challenge, error) {
	var (
		ch                              model.Challenge
		issuedAt, periodEnds, fetchedAt int64
	)
	err := s.queryRow(ctx, `
		SELECT challenge_id, day, challenge_number, difficulty, no_pre_mine, no_pre_mine_hour,
			latest_submission, issued_at, mining_period_ends, fetched_at
		FROM challenges WHERE challenge_id = ?`, challengeID).Scan(
		&ch.ChallengeID, &ch.Day, &ch.ChallengeNumber, &ch.Difficulty, &ch.NoPreMine, &ch.NoPreMineHour,
		&ch.LatestSubmission, &issuedAt, &periodEnds, &fetchedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_challenge", "challenge", challengeID)
	}
	if err != nil {
		return nil, dbErr(err, "get_challenge", "failed to read challenge")
	}
	ch.IssuedAt = fromMillis(issuedAt)
	ch.MiningPeriodEnds = fromMillis(periodEnds)
	ch.FetchedAt = fromMillis(fetchedAt)
	return &ch, nil
}

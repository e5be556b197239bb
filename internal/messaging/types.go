package messaging

import "time"

// SolutionEvent is published when a nonce passes the difficulty check and
// again when its submission settles.
type SolutionEvent struct {
	SolutionID  int64     `json:"solution_id"`
	JobID       int64     `json:"job_id,omitempty"`
	Address     string    `json:"address"`
	ChallengeID string    `json:"challenge_id"`
	Nonce       string    `json:"nonce"`
	HashResult  string    `json:"hash_result,omitempty"`
	Status      string    `json:"status"`
	Attempts    int64     `json:"attempts,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// MergeEvent records one merge outcome.
type MergeEvent struct {
	OriginalAddress       string    `json:"original_address"`
	PayoutAddress         string    `json:"payout_address"`
	Outcome               string    `json:"outcome"`
	Status                string    `json:"status"`
	AlreadyAssigned       bool      `json:"already_assigned"`
	Retryable             bool      `json:"retryable"`
	Attempts              int       `json:"attempts"`
	SolutionsConsolidated int       `json:"solutions_consolidated"`
	Message               string    `json:"message,omitempty"`
	SessionKey            string    `json:"session_key,omitempty"`
	At                    time.Time `json:"at"`
}

// ProgressEvent is the live status record of a job or batch session.
type ProgressEvent struct {
	Kind            string    `json:"kind"` // "job" or "batch"
	ID              string    `json:"id"`
	Message         string    `json:"message"`
	AttemptsDone    int64     `json:"attempts_done"`
	Total           int64     `json:"total"`
	Hashrate        float64   `json:"hashrate"`
	ProgressPercent float64   `json:"progress_percent"`
	At              time.Time `json:"at"`
}

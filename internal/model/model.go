// Package model defines the persisted records shared by the miner, merge
// processor and batch sessions.
package model

import (
	"time"
)

// Network selects address prefixes and the remote deployment.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkPreprod Network = "preprod"
)

// IsTestnet reports whether addresses carry the test prefix.
func (n Network) IsTestnet() bool {
	return n == NetworkPreprod
}

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	return n == NetworkMainnet || n == NetworkPreprod
}

// Challenge is one proof-of-work round issued by the remote service.
// Immutable once fetched; superseded when a new ChallengeID appears.
type Challenge struct {
	ChallengeID      string    `db:"challenge_id" json:"challenge_id"`
	Day              int       `db:"day" json:"day"`
	ChallengeNumber  int       `db:"challenge_number" json:"challenge_number"`
	Difficulty       string    `db:"difficulty" json:"difficulty"`
	NoPreMine        string    `db:"no_pre_mine" json:"no_pre_mine"`
	NoPreMineHour    string    `db:"no_pre_mine_hour" json:"no_pre_mine_hour"`
	LatestSubmission string    `db:"latest_submission" json:"latest_submission"`
	IssuedAt         time.Time `db:"issued_at" json:"issued_at"`
	MiningPeriodEnds time.Time `db:"mining_period_ends" json:"mining_period_ends"`
	FetchedAt        time.Time `db:"fetched_at" json:"fetched_at"`
}

// Wallet is a disposable key pair used for one mining job.
type Wallet struct {
	ID                    int64      `db:"id"`
	Address               string     `db:"address"`
	DerivationPath        string     `db:"derivation_path"`
	PrivateKey            []byte     `db:"private_key"` // ed25519 seed, sealed at rest
	PublicKey             []byte     `db:"public_key"`
	KeyHash               []byte     `db:"key_hash"`
	Network               Network    `db:"network"`
	RegistrationSignature string     `db:"registration_signature"`
	RegistrationPubKey    string     `db:"registration_pubkey"`
	RegisteredAt          *time.Time `db:"registered_at"`
	Mnemonic              string     `db:"mnemonic"` // sealed at rest
	CreatedAt             time.Time  `db:"created_at"`
}

// IsRegistered reports whether the remote service knows this wallet.
func (w *Wallet) IsRegistered() bool {
	return w.RegisteredAt != nil
}

// SubmissionStatus tracks a solution through the remote submission endpoint.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionQueued    SubmissionStatus = "queued"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionFailed    SubmissionStatus = "failed"
)

// Solution is a nonce that passed the difficulty check.
type Solution struct {
	ID           int64            `db:"id"`
	WalletID     int64            `db:"wallet_id"`
	ChallengeID  string           `db:"challenge_id"`
	Nonce        string           `db:"nonce"`
	Preimage     string           `db:"preimage"`
	HashResult   string           `db:"hash_result"`
	Difficulty   string           `db:"difficulty"`
	Status       SubmissionStatus `db:"submission_status"`
	Receipt      string           `db:"receipt"`
	ErrorMessage string           `db:"error_message"`
	FoundAt      time.Time        `db:"found_at"`
	SubmittedAt  *time.Time       `db:"submitted_at"`
	ConfirmedAt  *time.Time       `db:"confirmed_at"`
}

// HasReceipt reports whether the remote service issued proof of acceptance.
// Such a solution must never go back to pending.
func (s *Solution) HasReceipt() bool {
	return s.Receipt != ""
}

// JobStatus is the lifecycle of a mining job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobStopped   JobStatus = "stopped"
	JobCompleted JobStatus = "completed"
)

// IsTerminal reports whether no further chunk may run.
func (s JobStatus) IsTerminal() bool {
	return s == JobStopped || s == JobCompleted
}

// JobControl is an external request polled by the worker at chunk boundaries.
type JobControl string

const (
	ControlNone  JobControl = ""
	ControlStop  JobControl = "stop"
	ControlPause JobControl = "pause"
)

// MiningJob is the resumable unit of nonce search.
type MiningJob struct {
	ID             int64      `db:"id"`
	DerivationPath string     `db:"derivation_path"`
	MaxAttempts    int64      `db:"max_attempts"`
	AttemptsDone   int64      `db:"attempts_done"`
	Status         JobStatus  `db:"status"`
	Control        JobControl `db:"control"`
	WalletID       int64      `db:"wallet_id"` // 0 until a wallet is assigned
	CurrentNonce   string     `db:"current_nonce"`
	SolutionID     int64      `db:"solution_id"`
	ErrorMessage   string     `db:"error_message"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// ProgressPercent returns attempts done as a share of the budget.
func (j *MiningJob) ProgressPercent() float64 {
	if j.MaxAttempts <= 0 {
		return 0
	}
	return float64(j.AttemptsDone) / float64(j.MaxAttempts) * 100
}

// MergeStatus is the outcome recorded for one consolidation.
type MergeStatus string

const (
	MergeSuccess MergeStatus = "success"
	MergeFailed  MergeStatus = "failed"
)

// MergeRecord is the ledger entry for consolidating one wallet into a payout
// address. A success record is permanent.
type MergeRecord struct {
	ID                    int64       `db:"id"`
	OriginalAddress       string      `db:"original_address"`
	PayoutAddress         string      `db:"payout_address"`
	OriginalWalletID      int64       `db:"original_wallet_id"` // 0 for imported wallets
	Signature             string      `db:"signature"`
	Receipt               string      `db:"receipt"`
	SolutionsConsolidated int         `db:"solutions_consolidated"`
	Status                MergeStatus `db:"status"`
	AlreadyAssigned       bool        `db:"already_assigned"`
	Retryable             bool        `db:"retryable"`
	Attempts              int         `db:"attempts"`
	ErrorMessage          string      `db:"error_message"`
	MergedAt              *time.Time  `db:"merged_at"`
	UpdatedAt             time.Time   `db:"updated_at"`
}

// SessionStatus is the lifecycle of a batch session.
type SessionStatus string

const (
	SessionPending     SessionStatus = "pending"
	SessionProcessing  SessionStatus = "processing"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCancelled   SessionStatus = "cancelled"
)

// IsResumable reports whether ProcessChunk may continue the session.
func (s SessionStatus) IsResumable() bool {
	return s == SessionPending || s == SessionProcessing || s == SessionInterrupted
}

// BatchItem is one externally supplied wallet to consolidate.
type BatchItem struct {
	Address    string  `json:"address"`
	SigningKey string  `json:"signing_key"` // hex ed25519 seed
	Network    Network `json:"network"`
}

// BatchSession is a resumable, checkpointed consolidation run over a private
// snapshot of items.
type BatchSession struct {
	SessionKey         string        `db:"session_key"`
	PayoutAddress      string        `db:"payout_address"`
	Total              int           `db:"total"`
	Processed          int           `db:"processed"`
	Successful         int           `db:"successful"`
	Failed             int           `db:"failed"`
	Items              []BatchItem   `db:"item_list"`
	ProcessedAddresses []string      `db:"processed_addresses"`
	Status             SessionStatus `db:"status"`
	Checkpoints        int           `db:"checkpoints"`
	CurrentDelay       time.Duration `db:"current_delay_ms"`
	ErrorMessage       string        `db:"error_message"`
	CreatedAt          time.Time     `db:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at"`
}

// Remaining returns the items not yet in ProcessedAddresses, in snapshot order.
func (s *BatchSession) Remaining() []BatchItem {
	done := make(map[string]struct{}, len(s.ProcessedAddresses))
	for _, a := range s.ProcessedAddresses {
		done[a] = struct{}{}
	}
	out := make([]BatchItem, 0, max(0, len(s.Items)-len(done)))
	for _, it := range s.Items {
		if _, ok := done[it.Address]; !ok {
			out = append(out, it)
		}
	}
	return out
}

package messaging

// Topic constants for scavenger events
const (
	TopicSolutions     = "scavenger.solutions"      // miner → observers
	TopicMerges        = "scavenger.merges"         // merge processor → ledger consumers
	TopicJobProgress   = "scavenger.job_progress"   // miner → dashboards
	TopicBatchProgress = "scavenger.batch_progress" // batch sessions → dashboards
)

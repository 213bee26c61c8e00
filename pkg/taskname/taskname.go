package taskname

const (
	// Submission pipeline
	SubmissionProbe = "submission:probe"
	SubmissionScore = "submission:score"

	// Cashout pipeline
	CashoutSubmit   = "cashout:submit"
	PayoutReconcile = "payout:reconcile"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

package taskname

const (
	// Settlement tasks
	BalanceChanged       = "settlement:balance:changed"
	ProviderReconcileRun = "settlement:provider:reconcile"

	// Purchase tasks
	PurchaseExpiryRun = "purchase:expiry:run"
)

// Queue names. The settlement worker drains critical, default and low;
// notify is produced here and consumed by the bot collaborator only.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
	QueueNotify   = "notify"
)

package store

// Well-known notification channel names. Every process connected to the same
// store publishes and listens on these, which is what makes cross-process
// coordination work without any peer-to-peer link.
const (
	// ChangeChannel carries {schema, table} tuples on every change to the
	// store's catalog tables. The queue registry filters it for the
	// queue-definition table.
	ChangeChannel = "docq_on_change"

	// QueueCreatedChannel fires when a new queue is provisioned, so the
	// maintenance daemon can fold it into its cycle without waiting out a
	// full sleep.
	QueueCreatedChannel = "docq_queue_create"

	// CatalogSchema and QueuesTable identify the queue-definition table in
	// ChangeChannel payloads.
	CatalogSchema = "docq_catalog"
	QueuesTable   = "docq_sys_queues"
)

// PendingChannel returns the per-queue wake channel that fires when a
// document of that queue becomes eligible for picking.
func PendingChannel(queue string) string {
	return "docq__" + queue + "__pnd"
}

// ChangePayload is the JSON body delivered on ChangeChannel.
type ChangePayload struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

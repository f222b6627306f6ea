package types

import "time"

// QueueItemStatus is the lifecycle state of a QueuedStoreItem.
type QueueItemStatus string

const (
	QueueItemPending   QueueItemStatus = "pending"
	QueueItemSending   QueueItemStatus = "sending"
	QueueItemCompleted QueueItemStatus = "completed"
	QueueItemFailed    QueueItemStatus = "failed"
	QueueItemCancelled QueueItemStatus = "cancelled"
)

// QueuePriority orders items within the store-and-forward queue: High is
// processed before Medium before Low, FIFO within a priority tier.
type QueuePriority int

const (
	PriorityLowQueue    QueuePriority = 0
	PriorityMediumQueue QueuePriority = 1
	PriorityHighQueue   QueuePriority = 2
)

// QueuedStoreItem is one durable store-and-forward queue entry. Payload
// bytes live in a separate file named by ID; metadata and payload are
// atomically consistent only when the last durable write completed.
type QueuedStoreItem struct {
	ID                string
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Host              string
	Port              int
	CallingAE         AETitle
	CalledAE          AETitle
	Priority          QueuePriority
	QueuedAt          time.Time
	Size              int64
	Status            QueueItemStatus
	AttemptCount      int
	LastAttemptAt     *time.Time
	LastError         string
	CompletedAt       *time.Time
	PayloadFileName   string
}

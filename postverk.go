package postverk

import "time"

// MX hints bucket a destination domain by the family of its receiving
// infrastructure. Success-rate statistics are keyed on these buckets rather
// than on individual exchangers.
const (
	HintGmail   = "gmail"
	HintOutlook = "outlook"
	HintYahoo   = "yahoo"
	HintOther   = "other"
)

// SendJob is the payload dispatched to a send worker. One job delivers one
// recipient of one message; the queue delivers it at least once.
type SendJob struct {
	JobID       string    `json:"job_id"`
	RecipientID string    `json:"recipient_id"`
	MessageID   string    `json:"message_id"`
	OrgID       string    `json:"org_id"`
	Try         int       `json:"try"`
	NotBefore   time.Time `json:"not_before"`
}

type Event string

const (
	EventDelivered Event = "delivered"
	EventDeferred  Event = "deferred"
	EventBounce    Event = "bounce"
	EventFailed    Event = "failed"
)

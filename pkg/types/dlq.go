// Package types - dead-letter queue entries.
package types

import "time"

// DLQCategory classifies why a message landed in the dead-letter queue.
type DLQCategory string

const (
	DLQParse         DLQCategory = "parse"
	DLQGuards        DLQCategory = "guards"
	DLQPersist       DLQCategory = "persist"
	DLQCancelled     DLQCategory = "cancelled"
	DLQClassifierBug DLQCategory = "classifier_bug"
)

// DLQEntry is one record in the append-only dead-letter log.
type DLQEntry struct {
	// ID is the stream entry id assigned by the backing store.
	ID string `json:"id,omitempty"`

	FirstFailedAt time.Time   `json:"ts_first_failed"`
	Transport     string      `json:"transport"`
	Raw           []byte      `json:"raw"`
	Category      DLQCategory `json:"category"`
	Detail        string      `json:"detail"`
	Attempts      int         `json:"attempts"`

	// MsgID preserves the original idempotency key so replays dedup
	// correctly.
	MsgID string `json:"msg_id,omitempty"`
}

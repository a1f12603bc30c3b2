package model

import "time"

// RecordStatus is the processing outcome of a tracked message.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusProcessed RecordStatus = "processed"
	StatusFailed    RecordStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
// Allowed moves are pending->processed, pending->failed and
// failed->pending. Re-asserting the same status is always allowed.
func (s RecordStatus) CanTransition(next RecordStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case "":
		return next == StatusPending
	case StatusPending:
		return next == StatusProcessed || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// RecordKey identifies a MessageRecord. Message ids are only unique
// within an account, so the owning address is part of the key.
type RecordKey struct {
	Account   string
	MessageID string
}

// MessageRecord is the durable dedup entry for one message.
type MessageRecord struct {
	// Account is the owning mailbox address (partition key).
	Account string `json:"account" db:"account"`

	// MessageID is the source identifier of the message within the account.
	MessageID string `json:"message_id" db:"message_id"`

	// DocumentID is the index document id derived from the message.
	DocumentID string `json:"document_id" db:"document_id"`

	// Folder is the source folder path.
	Folder string `json:"folder" db:"folder"`

	// ReceivedAt is when the mailbox received the message.
	ReceivedAt time.Time `json:"received_at" db:"received_at"`

	// Status is the current processing outcome.
	Status RecordStatus `json:"status" db:"status"`

	// Attempts counts failed outcomes since the last success. A processed
	// outcome resets it.
	Attempts int `json:"attempts" db:"attempts"`

	// ProcessedAt is when the last outcome was recorded.
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`

	// Fingerprint changes whenever the source message changes in a way
	// that requires resubmission.
	Fingerprint string `json:"fingerprint" db:"fingerprint"`

	// LastError holds the reason of the last failure, if any.
	LastError string `json:"last_error" db:"last_error"`
}

// Key returns the record's store key.
func (r MessageRecord) Key() RecordKey {
	return RecordKey{Account: r.Account, MessageID: r.MessageID}
}

package model

import "time"

// DeliveryStatus is the outcome of delivering one event to one channel.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped" // channel not configured
)

// Final reports whether the status is terminal for automatic dispatch.
func (s DeliveryStatus) Final() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliverySkipped
}

// DeliveryRecord tracks one (event, channel) pair.
type DeliveryRecord struct {
	EventID       int64          `json:"event_id"`
	Channel       string         `json:"channel"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt time.Time      `json:"last_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
}

// ConsumerCursor is the persisted resume position of one durable consumer.
type ConsumerCursor struct {
	ConsumerID  string    `json:"consumer_id"`
	LastAckedID int64     `json:"last_acked_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

package model

import "errors"

var (
	// ErrOutOfOrderInput: a tick or bar is older than (or equal to) the last
	// accepted input for its symbol. The input is dropped, never reordered.
	ErrOutOfOrderInput = errors.New("out-of-order input")

	// ErrInvalidBar: a bar failed validation (inconsistent OHLC, negative
	// volume, unaligned open time). The bar is dropped.
	ErrInvalidBar = errors.New("invalid bar")

	// ErrInvalidRuleDefinition: a rule failed validation at load time.
	ErrInvalidRuleDefinition = errors.New("invalid rule definition")

	// ErrDeliveryFailed: a channel exhausted its delivery attempts.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrChannelDisabled: the channel is missing required configuration.
	ErrChannelDisabled = errors.New("channel disabled")

	// ErrStoreUnavailable: durable storage could not be read or written.
	// Fatal for the current run.
	ErrStoreUnavailable = errors.New("store unavailable")
)

package burner

import "errors"

var (
	// ErrRemoteUnavailable indicates a transport failure, timeout, or remote-side error.
	ErrRemoteUnavailable = errors.New("burner: remote unavailable")
	// ErrDecodeFailure indicates a malformed envelope or entry payload.
	ErrDecodeFailure = errors.New("burner: decode failure")
	// ErrInvalidArgument indicates a caller-supplied value failed validation.
	ErrInvalidArgument = errors.New("burner: invalid argument")
	// ErrNoActiveChannel indicates a channel operation was issued with no active channel.
	ErrNoActiveChannel = errors.New("burner: no active channel")
	// ErrInvalidSignal indicates a signal does not satisfy protocol invariants.
	ErrInvalidSignal = errors.New("burner: invalid signal")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("burner: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("burner: subscription closed")
	// ErrSignalDropped indicates a non-blocking backpressure drop.
	ErrSignalDropped = errors.New("burner: signal dropped due to backpressure")
	// ErrTransportAlreadyRegistered indicates duplicate transport type registration.
	ErrTransportAlreadyRegistered = errors.New("burner: transport already registered")
)

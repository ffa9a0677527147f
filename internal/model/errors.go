package model

import "fmt"

// ErrValidation is returned for malformed input: a bad body, an unknown enum value, an
// oversized field. Callers surface it as HTTP 400 with a short reason.
type ErrValidation struct {
	Reason string
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// ErrAdmissionDenied is returned when a peer does not match a source's CIDR allowlist,
// or a destination port has no associated source. Never logged per-packet; only counted.
type ErrAdmissionDenied struct {
	Reason string
}

func (e ErrAdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// ErrAuthentication is returned for a missing or invalid credential. Surfaced as HTTP
// 401. The Submission Client's Submit does not log in again on a rejected submit: an
// HTTP 401 there is retried like any other failure, with the same token.
type ErrAuthentication struct {
	Reason string
}

func (e ErrAuthentication) Error() string {
	return fmt.Sprintf("authentication: %s", e.Reason)
}

// ErrResourceUnavailable is returned when a downstream store (Stream Bus, search index,
// push gateway, control-plane database) cannot be reached. Receivers surface HTTP 503;
// workers back off without acking.
type ErrResourceUnavailable struct {
	Reason string
}

func (e ErrResourceUnavailable) Error() string {
	return fmt.Sprintf("resource unavailable: %s", e.Reason)
}

// ErrTransform marks a single-entry ECS/metric conversion failure. Per-entry counter is
// incremented; the entry is still acked (poisonous-record policy).
type ErrTransform struct {
	Reason string
}

func (e ErrTransform) Error() string {
	return fmt.Sprintf("transform: %s", e.Reason)
}

// ErrTimeout marks an elapsed cancellation context; the caller's next iteration retries.
type ErrTimeout struct {
	Reason string
}

func (e ErrTimeout) Error() string {
	return fmt.Sprintf("timeout: %s", e.Reason)
}

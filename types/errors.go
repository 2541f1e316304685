package types

import (
	"github.com/pkg/errors"
)

// Error taxonomy of the bridge. Callers branch on these with errors.Is;
// everything else is wrapped context.
var (
	// ErrNotFound is the absence of a record, as opposed to a failure to
	// look for it.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable means the persistent layer could not serve the
	// request. Fatal to the current operation, never silently defaulted.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSignatureInvalid rejects an inbound activity before any side
	// effect is performed.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrDeliveryExhausted marks an outbound (activity, inbox) pair that
	// burned through its retry budget and was dropped.
	ErrDeliveryExhausted = errors.New("delivery retry budget exhausted")

	// ErrTransportTransient is an I/O failure that the owning layer will
	// retry with backoff. It is never surfaced as a hard failure.
	ErrTransportTransient = errors.New("transient transport failure")
)

// Degradation records a lossy or partial translation. The best-effort
// result is still delivered; the record travels back to the caller for
// logging.
type Degradation struct {
	Reason  string
	Subject string
}

func (d Degradation) String() string {
	return d.Reason + ": " + d.Subject
}

package tender

import (
	"context"
	"errors"
	"net"

	"github.com/rotisserie/eris"
)

// Sentinel errors used for cross-package classification.
var (
	// ErrPartitionSelect means the archive/year partition could not be
	// selected; enumeration must yield nothing rather than silently fall
	// through to the unfiltered partition.
	ErrPartitionSelect = eris.New("archive partition selection failed")

	// ErrLoginRejected means the source refused the interactive login.
	ErrLoginRejected = eris.New("login rejected")

	// ErrSessionExpired means persisted session state stopped working
	// mid-run; remaining document downloads are aborted, metadata
	// extraction continues.
	ErrSessionExpired = eris.New("session expired")

	// ErrStoreUnavailable wraps persistence failures that make
	// continuation meaningless.
	ErrStoreUnavailable = eris.New("store unavailable")
)

// Kind buckets pipeline errors for counting and propagation decisions.
type Kind int

// Error kinds, ordered from least to most severe.
const (
	KindTransient Kind = iota
	KindAuth
	KindFatal
)

// Classify maps an error into its handling bucket. Component-local errors
// (transient, auth) are counted and the pipeline moves on; fatal errors end
// the run.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, ErrLoginRejected), errors.Is(err, ErrSessionExpired):
		return KindAuth
	case errors.Is(err, ErrStoreUnavailable):
		return KindFatal
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}

// IsFatal reports whether the error must end the run.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == KindFatal
}

package ledger

import (
	"errors"
	"fmt"

	"github.com/jellyfish-labs/ledgerdb/jmt"
)

// ErrorKind classifies every failure the commit pipeline and reader
// surface can return: callers branch on kind, not on a specific error
// value, since the same kind covers many distinct causes.
type ErrorKind int

const (
	// KindBadRequest: limit too large, empty range, descending order
	// with invalid cursor, queried version greater than latest.
	KindBadRequest ErrorKind = iota
	// KindMissingData: pruned root, missing node/value (corruption),
	// missing epoch-ending ledger info.
	KindMissingData
	// KindInconsistency: computed root disagrees with a claimed root,
	// key-prefix scan exceeds its cap, frozen-subtree mismatch.
	KindInconsistency
	// KindPrecondition: writing read-only, readonly with a pruner
	// window, an empty batch with no ledger info.
	KindPrecondition
	// KindStorage: any lower-layer I/O failure.
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindMissingData:
		return "missing_data"
	case KindInconsistency:
		return "inconsistency"
	case KindPrecondition:
		return "precondition"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by ledger operations.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("ledger: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapErr(kind ErrorKind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// MaxLimit bounds every request parameter named "limit".
const MaxLimit = 5000

// ErrTooManyRequested is returned whenever a caller-supplied limit
// exceeds MaxLimit.
var ErrTooManyRequested = newErr(KindBadRequest, fmt.Sprintf("limit exceeds MAX_LIMIT=%d", MaxLimit))

// IsMissingRoot reports whether err wraps a jmt.ErrMissingRoot,
// letting callers distinguish a pruned/absent version from other
// missing-data failures.
func IsMissingRoot(err error) (jmt.ErrMissingRoot, bool) {
	var mr jmt.ErrMissingRoot
	if errors.As(err, &mr) {
		return mr, true
	}
	return jmt.ErrMissingRoot{}, false
}

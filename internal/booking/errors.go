package booking

import "errors"

// Sentinel errors shared across the negotiation core. Components wrap them
// with context; callers classify with errors.Is or KindOf.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrParse              = errors.New("unparseable request")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrOutsideHours       = errors.New("outside operating hours")
	ErrNoCandidate        = errors.New("no candidate resource")
	ErrConflict           = errors.New("slot conflict")
	ErrNegotiationDenied  = errors.New("negotiation denied")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrApplyFailure       = errors.New("apply failed")
	ErrUnknownBinding     = errors.New("unknown binding")
)

// ErrorKind classifies why a request was denied.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindInvalidRequest     ErrorKind = "InvalidRequest"
	KindParseFailure       ErrorKind = "ParseFailure"
	KindCapacityExceeded   ErrorKind = "CapacityExceeded"
	KindOutsideHours       ErrorKind = "OutsideHours"
	KindNoCandidate        ErrorKind = "NoCandidateResource"
	KindConflict           ErrorKind = "Conflict"
	KindNegotiationDenied  ErrorKind = "NegotiationDenied"
	KindNegotiationTimeout ErrorKind = "NegotiationTimeout"
	KindApplyFailure       ErrorKind = "ApplyFailure"
	KindUnknownBinding     ErrorKind = "UnknownBinding"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrParse, KindParseFailure},
	{ErrCapacityExceeded, KindCapacityExceeded},
	{ErrOutsideHours, KindOutsideHours},
	{ErrNoCandidate, KindNoCandidate},
	{ErrConflict, KindConflict},
	{ErrNegotiationDenied, KindNegotiationDenied},
	{ErrNegotiationTimeout, KindNegotiationTimeout},
	{ErrApplyFailure, KindApplyFailure},
	{ErrUnknownBinding, KindUnknownBinding},
}

// KindOf maps an error to its ErrorKind. Errors that wrap none of the
// sentinels are reported as apply failures, the only open-ended failure
// in the core.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindApplyFailure
}

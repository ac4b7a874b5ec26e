package wikichat

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by the client wraps exactly one of these.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrResolution  = errors.New("room resolution failed")
	ErrNotReady    = errors.New("room is not ready")
	ErrUnknownRoom = errors.New("unknown room")
	ErrPermission  = errors.New("missing permissions")
	ErrLiveness    = errors.New("server didn't acknowledge previous ping, possible lost connection")
	ErrValidation  = errors.New("validation failed")
)

// Validation details, always reported under ErrValidation.
var (
	ErrNoSite            = errors.New("no site specified")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrMessageTooLong    = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	ErrInvalidStatus     = errors.New("status must be \"here\" or \"away\"")
	ErrInvalidDomain     = errors.New("domain must be \"fandom\" or \"wikia\"")
	ErrInvalidLanguage   = errors.New("invalid language code")
	ErrTargetRank        = errors.New("target is same or higher in rights")
)

// ErrAlreadyConnected is returned by a room connect while the room is ready.
var ErrAlreadyConnected = errors.New("existing connection detected")

// Failure is the structured error returned by client operations. Callers can
// test the kind with errors.Is or extract the details with errors.As:
//
//	var failure *Failure
//	if errors.As(err, &failure) {
//	    log.Printf("%s failed in room %s", failure.Op, failure.Room)
//	}
type Failure struct {
	// Kind is one of the failure kind sentinels (ErrAuth, ErrNotReady, ...).
	Kind error
	// Op names the operation that failed (e.g., "createMessage").
	Op string
	// Room is the room key the operation targeted, if any.
	Room string
	// Err is the underlying cause. May be nil.
	Err error
}

// Fail builds a Failure.
func Fail(kind error, op, room string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Room: room, Err: err}
}

func (f *Failure) Error() string {
	msg := f.Op + ": " + f.Kind.Error()
	if f.Room != "" {
		msg = fmt.Sprintf("%s (room %s)", msg, f.Room)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// IsFailure reports whether err is a Failure of the given kind.
func IsFailure(err error, kind error) bool {
	var failure *Failure
	if errors.As(err, &failure) {
		return errors.Is(failure.Kind, kind)
	}
	return false
}

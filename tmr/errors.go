package tmr

import "fmt"

// Code classifies a tmr failure. Scripts see it as the code property of
// the thrown Error.
type Code string

const (
	CodeInvalidPeriod   Code = "InvalidPeriod"
	CodeNotEnoughMemory Code = "NotEnoughMemory"
	CodeDriverError     Code = "DriverError"
	CodeInvalidArgument Code = "InvalidArgument"
	CodeCallbackError   Code = "CallbackError"
)

// Error is a classified tmr failure
type Error struct {
	Code    Code
	Unit    int // -1 when no unit is involved
	Message string
	Err     error
}

// Sentinels for errors.Is; they match any *Error with the same code
var (
	ErrInvalidPeriod   = &Error{Code: CodeInvalidPeriod, Unit: -1}
	ErrNotEnoughMemory = &Error{Code: CodeNotEnoughMemory, Unit: -1}
	ErrDriver          = &Error{Code: CodeDriverError, Unit: -1}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Unit: -1}
	ErrCallback        = &Error{Code: CodeCallbackError, Unit: -1}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Unit >= 0 {
		return fmt.Sprintf("tmr%d: %s: %s", e.Unit, e.Code, msg)
	}
	if msg == "" {
		return "tmr: " + string(e.Code)
	}
	return fmt.Sprintf("tmr: %s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Code == e.Code
}

func newError(code Code, unit int, format string, args ...any) *Error {
	return &Error{Code: code, Unit: unit, Message: fmt.Sprintf(format, args...)}
}

func driverError(unit int, err error) *Error {
	return &Error{Code: CodeDriverError, Unit: unit, Err: err}
}

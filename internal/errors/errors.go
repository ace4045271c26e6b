package errors

import "fmt"

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on code so the sentinels below still match after Wrap.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigInvalid = &AppError{Code: "CONFIG_001", Message: "invalid configuration"}

	ErrScheduleFetch   = &AppError{Code: "FETCH_001", Message: "failed to fetch schedules"}
	ErrScheduleInvalid = &AppError{Code: "FETCH_002", Message: "schedule failed validation"}

	ErrArmRejected = &AppError{Code: "ARM_001", Message: "delivery channel rejected alert"}

	ErrConfirmExpired   = &AppError{Code: "CONFIRM_001", Message: "confirmation window expired"}
	ErrConfirmTransient = &AppError{Code: "CONFIRM_002", Message: "confirmation temporarily unavailable"}
	ErrAlreadyConfirmed = &AppError{Code: "CONFIRM_003", Message: "dose already confirmed"}

	ErrPersistenceCorrupt = &AppError{Code: "PERSIST_001", Message: "persisted alarm cannot be decoded"}

	ErrNoActiveSession      = &AppError{Code: "SESSION_001", Message: "no active alarm session"}
	ErrWrongState           = &AppError{Code: "SESSION_002", Message: "action not valid in current session state"}
	ErrDismissalUnconfirmed = &AppError{Code: "SESSION_003", Message: "dismissing a medicine alarm requires confirmation"}
	ErrSessionOccupied      = &AppError{Code: "SESSION_004", Message: "an alarm session is already active"}
)

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

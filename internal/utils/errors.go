package utils

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the frontends must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnauthorized is a 401/403: the credential is cleared and the user sent back to login.
	KindUnauthorized
	// KindRateLimited is a 429: show the throttling message, never the generic one.
	KindRateLimited
	// KindNetwork covers transport failures and timeouts.
	KindNetwork
	// KindPermission is a denied camera or location permission.
	KindPermission
	// KindRejected is any other 4xx the backend explained with an error message.
	KindRejected
	// KindServer is a 5xx.
	KindServer
	// KindValidation is raised before any request leaves the client.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindPermission:
		return "permission"
	case KindRejected:
		return "rejected"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

type CustomError struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (code %d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
}

func (e *CustomError) Unwrap() error { return e.Err }

func New(kind Kind, code int, message string) error {
	return &CustomError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, err error) error {
	return &CustomError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first CustomError in err's chain.
func KindOf(err error) Kind {
	var ce *CustomError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage picks the message to show for err. Rejections carry the backend's
// own text; every other kind gets fallback unless a dedicated message exists.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var ce *CustomError
	if !errors.As(err, &ce) {
		return fallback
	}
	switch ce.Kind {
	case KindRateLimited:
		return MsgRateLimited
	case KindValidation, KindPermission:
		return ce.Message
	case KindRejected:
		if ce.Message != "" {
			return ce.Message
		}
	}
	return fallback
}

// User-facing messages.
const (
	MsgRateLimited      = "Too many attempts. Please try again shortly."
	MsgSessionStart     = "Unable to start attendance session. Ensure you are authorized."
	MsgSessionEnd       = "Unable to end attendance session."
	MsgCheckInFailed    = "Unable to record attendance."
	MsgCameraDenied     = "Unable to access camera. Please allow camera access."
	MsgScanFailed       = "Scan failed. Please try again or enter the token manually."
	MsgLocationDenied   = "Unable to retrieve location. Please enable location permission."
	MsgEmptyToken       = "Please enter a token."
	MsgSessionExpired   = "Your session has expired due to inactivity. Please log in again."
	MsgSessionWarning   = "Your session will expire in %s due to inactivity. Stay logged in?"
	MsgLoginFailed      = "Invalid username or password"
	MsgAlreadyRecorded  = "Attendance already recorded for this token."
	MsgSubmitInProgress = "A check-in is already being processed. Please wait."
)

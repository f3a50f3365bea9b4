package broker

import "errors"

// Error codes for domain errors.
const (
	ErrCodeUserNotFound   = "user_not_found"
	ErrCodeChatNotFound   = "chat_not_found"
	ErrCodeNotMember      = "not_member"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeForbidden      = "forbidden"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeUnknownCommand = "unknown_command"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrNotMember       = errors.New("not a chat member")
	ErrEmailRequired   = errors.New("email is required")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrBadDestination  = errors.New("unknown destination")
	ErrForbidden       = errors.New("destination belongs to another user")
	ErrSenderMismatch  = errors.New("sender does not match the authenticated user")
	ErrRateLimited     = errors.New("send rate limit exceeded")
	ErrAlreadyExists   = errors.New("subscription id already in use")
	ErrNoSubscription  = errors.New("no such subscription")
	ErrClientNotActive = errors.New("client is not registered")
)

// BrokerError wraps a code and human-readable message.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	return e.Message
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

func brokerError(code string, err error) *BrokerError {
	return &BrokerError{Code: code, Message: err.Error(), Err: err}
}

// CodeOf returns the domain code of err, or empty.
func CodeOf(err error) string {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

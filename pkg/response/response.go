package response

// Shared API response messages.
const (
	MsgOK = "ok"

	ErrInvalidBody  = "invalid request body"
	ErrMissingField = "event must include channel, event name and data"
	ErrPresenceOnly = "user list is only possible for presence channels"
	ErrTokenMissing = "authorization token required"
	ErrTokenInvalid = "invalid or expired token"
)

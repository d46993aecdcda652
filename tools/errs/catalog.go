package errs

// Shared error catalog. Codes in the 14xx range are rejected requests the
// client can act on, 15xx are server-side failures.
var (
	ErrMalformedFrame = NewCodeError(1400, "malformed frame")
	ErrInvalidQueue   = NewCodeError(1401, "invalid queue id")
	ErrPrivateQueue   = NewCodeError(1402, "private queue cannot be left")
	ErrBannedFromRoom = NewCodeError(1403, "banned from room")
	ErrUnknownRoom    = NewCodeError(1404, "unknown room")
	ErrNotParticipant = NewCodeError(1405, "not a participant")
	ErrRoomFull       = NewCodeError(1406, "room is full")
	ErrMuted          = NewCodeError(1407, "muted")
	ErrTooFast        = NewCodeError(1429, "sending messages too fast")

	ErrInternal     = NewCodeError(1500, "internal error")
	ErrTokenExpired = NewCodeError(1501, "token expired")
)

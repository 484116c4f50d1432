package errors

var (
	// Validation
	ErrEmptyMessage     = InvalidArg("message must have content or attachments")
	ErrTooManyFiles     = InvalidArg("too many attachments")
	ErrFileTooLarge     = InvalidArg("file too large")
	ErrSelfSession      = InvalidArg("cannot create session with yourself")
	ErrInvalidUserID    = InvalidArg("invalid user id")
	ErrInvalidPage      = InvalidArg("invalid page")
	ErrInvalidMessageID = InvalidArg("invalid message id")

	// Lookup
	ErrSessionNotFound    = NotFound("session not found")
	ErrAttachmentNotFound = NotFound("attachment not found")

	// Authorization
	ErrNotParticipant = Forbidden("not a participant")
	ErrNotJoined      = Forbidden("not joined to session")
)

func ErrStorageFailure(cause error) error {
	return Wrap(CodeInternal, "failed to store attachment", cause)
}

func ErrPersistFailure(cause error) error {
	return Wrap(CodeInternal, "failed to persist message", cause)
}

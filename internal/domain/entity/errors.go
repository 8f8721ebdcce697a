package entity

import "errors"

var (
	// Conversation errors
	ErrInvalidConversationID   = errors.New("invalid conversation id")
	ErrInvalidConversationType = errors.New("invalid conversation type")
	ErrGroupNameRequired       = errors.New("group conversation requires a name")
	ErrDirectNameFixed         = errors.New("direct conversation name is derived from participants")

	// Participant errors
	ErrInvalidUserID       = errors.New("invalid user id")
	ErrInvalidRole         = errors.New("invalid participant role")
	ErrParticipantInactive = errors.New("participant has left the conversation")

	// Message errors
	ErrInvalidMessageID  = errors.New("invalid message id")
	ErrEmptyMessage      = errors.New("message requires content or at least one attachment")
	ErrInvalidAttachment = errors.New("attachment requires name, handle and non-negative size")
	ErrMessageDeleted    = errors.New("message has been deleted")
)

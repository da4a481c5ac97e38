package chat

import "errors"

var (
	// ErrConversationNotFound is returned when the referenced conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotInConversation is returned when the actor is not a participant of the conversation.
	ErrNotInConversation = errors.New("not in conversation")

	// ErrMessageNotFound is returned when the referenced message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrAlreadyDeleted is returned when mutating a message whose deleted flag is set.
	// Deletion is one-way: repeated deletes and edits of a deleted message always fail.
	ErrAlreadyDeleted = errors.New("message already deleted")

	// ErrMalformedMessage is returned when a message record fails structural validation.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrNotSupported is returned for operations the pipeline refuses by design,
	// such as hard-deleting a message through the record hooks.
	ErrNotSupported = errors.New("operation not supported")

	// ErrTransientStore marks store-level failures (serialization conflicts,
	// deadlocks, lock timeouts) that are safe to retry: the whole mutation is
	// transactional, so a failed attempt leaves no partial state behind.
	ErrTransientStore = errors.New("transient store failure")
)

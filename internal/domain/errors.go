package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrMirrorInconsistency   = errors.New("mirror inconsistency")
	ErrDuplicateRelationship = errors.New("duplicate relationship")

	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("message %w", ErrNotFound)
	ErrDeviceNotFound       = fmt.Errorf("device %w", ErrNotFound)
	ErrUserNotFound         = fmt.Errorf("user %w", ErrNotFound)
)

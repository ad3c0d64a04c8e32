package association

import (
	"errors"
	"fmt"

	"github.com/ehr/console/internal/domain/entity"
)

var (
	ErrUnlink           = errors.New("unlink failed")
	ErrNotAssociated    = errors.New("entity is not associated with this profile")
	ErrNotConfirming    = errors.New("no unlink awaiting confirmation")
	ErrTokenMismatch    = errors.New("confirmation token does not match the pending unlink")
	ErrUnlinkInProgress = errors.New("an unlink is already in progress")
	ErrSessionNotFound  = errors.New("session not found or expired")
)

// UnlinkError is returned when the backend rejected the unlink. The local
// list is left unchanged.
type UnlinkError struct {
	Target  entity.Ref
	Message string
	Err     error
}

func (e *UnlinkError) Error() string {
	return fmt.Sprintf("unlink %s %s: %s", e.Target.Kind, e.Target.ID, e.Message)
}

func (e *UnlinkError) Unwrap() error { return e.Err }

func (e *UnlinkError) Is(target error) bool { return target == ErrUnlink }

package onboarding

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching against the saga error types.
var (
	ErrCreate       = errors.New("user creation failed")
	ErrIDResolution = errors.New("created user could not be located")
	ErrUpload       = errors.New("profile image upload failed")
	ErrPatch        = errors.New("profile image url update failed")
	ErrInFlight     = errors.New("a submission for this user is already in progress")
)

// CreateError is fatal: the account was not created and nothing else ran.
type CreateError struct {
	Message string
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create user: %s", e.Message)
}

func (e *CreateError) Unwrap() error { return e.Err }

func (e *CreateError) Is(target error) bool { return target == ErrCreate }

// IDResolutionError means the account exists but its id could not be found
// by email. Matches is the number of records sharing the email.
type IDResolutionError struct {
	Email   string
	Matches int
	Err     error
}

func (e *IDResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve user id for %s: %v", e.Email, e.Err)
	}
	return fmt.Sprintf("resolve user id for %s: %d matching records", e.Email, e.Matches)
}

func (e *IDResolutionError) Unwrap() error { return e.Err }

func (e *IDResolutionError) Is(target error) bool { return target == ErrIDResolution }

// UploadError means the account stands but the image was not stored.
type UploadError struct {
	UserID  string
	Message string
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload image for user %s: %s", e.UserID, e.Message)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool { return target == ErrUpload }

// PatchError means the image was uploaded but the user record does not
// reference it.
type PatchError struct {
	UserID  string
	Message string
	Err     error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("attach image url to user %s: %s", e.UserID, e.Message)
}

func (e *PatchError) Unwrap() error { return e.Err }

func (e *PatchError) Is(target error) bool { return target == ErrPatch }

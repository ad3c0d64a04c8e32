package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GenericMessage is used when a failed response carries no readable message.
const GenericMessage = "The request could not be completed. Please try again."

// Error is returned for transport failures and non-2xx responses. Status is
// zero when no response was received.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the text suitable for showing to a console user.
func UserMessage(err error) string {
	var re *Error
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	return GenericMessage
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}

func messageFromBody(body []byte) string {
	var payload struct {
		Message any `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Message.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return GenericMessage
}

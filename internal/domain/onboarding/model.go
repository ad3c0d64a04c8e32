package onboarding

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is a step of the onboarding saga.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseCreating       Phase = "creating"
	PhaseResolvingID    Phase = "resolving_id"
	PhaseUploadingImage Phase = "uploading_image"
	PhasePatching       Phase = "patching"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// transitions lists the phases reachable from each phase.
var transitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseCreating},
	PhaseCreating:       {PhaseResolvingID, PhaseUploadingImage, PhaseDone, PhaseFailed},
	PhaseResolvingID:    {PhaseUploadingImage, PhaseDone},
	PhaseUploadingImage: {PhasePatching, PhaseDone},
	PhasePatching:       {PhaseDone},
}

// CanTransition reports whether the saga may move from p to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether p ends the saga.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// InFlight reports whether a submission in phase p must block resubmission.
func (p Phase) InFlight() bool {
	return p != PhaseIdle && !p.Terminal()
}

// Progress lines shown to the user while a step runs.
const (
	StatusCreating    = "Creating user account…"
	StatusResolvingID = "Retrieving user information…"
	StatusUploading   = "Uploading profile image…"
	StatusPatching    = "Updating user with image URL…"
)

// Warnings attached to a saga that finished with a non-fatal failure.
const (
	WarnUnresolved       = "could not locate created user for image upload"
	WarnImageNotAttached = "account created, image not attached"
)

// Notices about duplicate accounts. The create call carries no idempotency
// key, so a resubmission always creates another account.
const (
	NoticeDuplicateRisk   = "do not resubmit without checking for duplicates"
	NoticePriorSubmission = "a user with this email has been submitted before"
)

// Image is a file held in memory until the saga knows the new user's id.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Draft is the form data for a new internal user.
type Draft struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Role      string
	// Fields carries any additional form values verbatim.
	Fields map[string]any
	// PendingImage is never sent with the create call.
	PendingImage *Image
}

// Validate checks the minimum the saga relies on. Field-level form rules are
// enforced by the console UI.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Email) == "" {
		return fmt.Errorf("email is required")
	}
	addr, err := mail.ParseAddress(d.Email)
	if err != nil {
		return fmt.Errorf("email is invalid: %w", err)
	}
	// The backend and the id scan compare the stored email verbatim, so a
	// display name ("Bob <bob@x.com>") would never match.
	if addr.Address != d.Email {
		return fmt.Errorf("email must be a bare address such as %s", addr.Address)
	}
	if d.PendingImage != nil && len(d.PendingImage.Data) == 0 {
		return fmt.Errorf("image is empty")
	}
	return nil
}

// Payload returns the JSON body for create and update calls. The pending
// image is not part of it.
func (d Draft) Payload() map[string]any {
	body := make(map[string]any, len(d.Fields)+5)
	for k, v := range d.Fields {
		body[k] = v
	}
	body["email"] = d.Email
	setIfNotEmpty(body, "firstName", d.FirstName)
	setIfNotEmpty(body, "lastName", d.LastName)
	setIfNotEmpty(body, "phone", d.Phone)
	setIfNotEmpty(body, "role", d.Role)
	return body
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// State is the saga state machine for one submission.
type State struct {
	Phase     Phase  `json:"phase"`
	UserID    string `json:"userId,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

func (s *State) transition(next Phase) error {
	if !s.Phase.CanTransition(next) {
		return fmt.Errorf("invalid saga transition %s -> %s", s.Phase, next)
	}
	s.Phase = next
	return nil
}

// Result is what Submit reports back to the caller.
type Result struct {
	ID           uuid.UUID `json:"id"`
	State        State     `json:"state"`
	Progress     []string  `json:"progress"`
	Warnings     []string  `json:"warnings,omitempty"`
	Notices      []string  `json:"notices,omitempty"`
	ImageSkipped bool      `json:"imageSkipped"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`

	// StepErrors holds the non-fatal errors caught along the way.
	StepErrors []error `json:"-"`
}

// Succeeded reports whether the account was created.
func (r *Result) Succeeded() bool {
	return r.State.Phase == PhaseDone
}

func (r *Result) warn(msg string, err error) {
	r.Warnings = append(r.Warnings, msg)
	r.StepErrors = append(r.StepErrors, err)
	r.State.LastError = err.Error()
}

func (r *Result) notice(msg string) {
	for _, n := range r.Notices {
		if n == msg {
			return
		}
	}
	r.Notices = append(r.Notices, msg)
}

// Submission is a finished saga as recorded in the journal.
type Submission struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	UserID    string    `json:"user_id,omitempty"`
	Phase     Phase     `json:"phase"`
	Warnings  []string  `json:"warnings"`
	CreatedAt time.Time `json:"created_at"`
}

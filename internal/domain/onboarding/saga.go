// Package onboarding runs the create-user saga behind the "create internal
// user" form: create the account, find its id, upload the profile image and
// patch the account with the image URL.
//
// Only the create step is fatal. Once the account exists every later failure
// is downgraded to a warning so the caller never loses track of it.
package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/console/internal/platform/remote"
)

// DefaultCollection is the backend collection holding console users.
const DefaultCollection = "users"

var tracer = otel.Tracer("onboarding")

// ProgressFunc receives each step's status line as the saga enters it.
type ProgressFunc func(phase Phase, status string)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCollection overrides the user collection name.
func WithCollection(name string) ExecutorOption {
	return func(e *Executor) { e.collection = name }
}

// WithResolver replaces the email-scan id resolver.
func WithResolver(r Resolver) ExecutorOption {
	return func(e *Executor) { e.resolver = r }
}

// WithGuard replaces the in-process in-flight guard.
func WithGuard(g Guard) ExecutorOption {
	return func(e *Executor) { e.guard = g }
}

// WithJournal records finished submissions.
func WithJournal(j Journal) ExecutorOption {
	return func(e *Executor) { e.journal = j }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// Executor runs onboarding sagas against a remote.Client.
type Executor struct {
	client     remote.Client
	collection string
	resolver   Resolver
	guard      Guard
	journal    Journal
	logger     zerolog.Logger
	now        func() time.Time
}

func NewExecutor(client remote.Client, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:     client,
		collection: DefaultCollection,
		guard:      NewLocalGuard(),
		journal:    NopJournal{},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.resolver == nil {
		e.resolver = NewEmailScanResolver(client, e.collection)
	}
	return e
}

// run carries the per-submission state through the steps.
type run struct {
	res      *Result
	progress ProgressFunc
	span     trace.Span
	logger   zerolog.Logger
}

func (r *run) enter(phase Phase, status string) {
	if err := r.res.State.transition(phase); err != nil {
		// Transitions are fixed by the step order below.
		panic(err)
	}
	if status != "" {
		r.res.Progress = append(r.res.Progress, status)
		if r.progress != nil {
			r.progress(phase, status)
		}
	}
	r.span.AddEvent(string(phase))
	r.logger.Debug().Str("phase", string(phase)).Msg("saga step")
}

// Submit runs the saga for draft. The returned error is non-nil only when the
// saga could not start (validation, cancelled context, in-flight guard) or
// when the create step failed; in the latter case the Result is returned too,
// in phase Failed. Once started, the saga runs to completion even if ctx is
// cancelled.
// Non-fatal failures end in phase Done with warnings on the Result.
func (e *Executor) Submit(ctx context.Context, draft Draft, progress ProgressFunc) (*Result, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release, err := e.guard.Acquire(ctx, GuardKey(draft.Email))
	if err != nil {
		return nil, err
	}
	defer release()

	// From here the create call may go out, and an account it creates must
	// not be lost to a dropped or timed-out request. The steps ignore
	// cancellation; each remote call is bounded by the client's timeout.
	ctx = context.WithoutCancel(ctx)

	ctx, span := tracer.Start(ctx, "Onboarding.Submit")
	defer span.End()

	res := &Result{
		ID:        uuid.New(),
		State:     State{Phase: PhaseIdle},
		Progress:  []string{},
		StartedAt: e.now(),
	}
	span.SetAttributes(attribute.String("saga.id", res.ID.String()))
	r := &run{
		res:      res,
		progress: progress,
		span:     span,
		logger:   e.logger.With().Str("saga_id", res.ID.String()).Str("email", draft.Email).Logger(),
	}

	if prior, err := e.journal.PriorSubmissions(ctx, draft.Email); err != nil {
		r.logger.Warn().Err(err).Msg("journal lookup failed")
	} else if prior > 0 {
		res.notice(NoticePriorSubmission)
		res.notice(NoticeDuplicateRisk)
	}

	if err := e.create(ctx, r, draft); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.finish(ctx, r, draft)
		return res, err
	}

	if draft.PendingImage != nil {
		e.attachImage(ctx, r, draft)
	}

	if res.State.Phase != PhaseDone {
		r.enter(PhaseDone, "")
	}
	if len(res.Warnings) > 0 {
		res.notice(NoticeDuplicateRisk)
	}
	e.finish(ctx, r, draft)
	return res, nil
}

// create is step 1. The pending image never travels with this call.
func (e *Executor) create(ctx context.Context, r *run, draft Draft) error {
	r.enter(PhaseCreating, StatusCreating)

	resp, err := e.client.CreateResource(ctx, e.collection, draft.Payload())
	if err != nil {
		cerr := &CreateError{Message: remote.UserMessage(err), Err: err}
		r.res.State.LastError = cerr.Message
		r.enter(PhaseFailed, "")
		r.logger.Error().Err(err).Msg("create user failed")
		return cerr
	}

	if resp != nil {
		if id, ok := idFromBody(resp.Body); ok {
			r.res.State.UserID = id
		}
	}
	r.logger.Info().Str("user_id", r.res.State.UserID).Msg("user created")
	return nil
}

// attachImage runs steps 2-4. Every failure here is non-fatal.
func (e *Executor) attachImage(ctx context.Context, r *run, draft Draft) {
	userID, ok := e.resolveID(ctx, r, draft)
	if !ok {
		return
	}

	r.enter(PhaseUploadingImage, StatusUploading)
	imageURL, err := e.upload(ctx, userID, draft.PendingImage)
	if err != nil {
		e.skipImage(r, WarnImageNotAttached, err)
		r.enter(PhaseDone, "")
		return
	}

	r.enter(PhasePatching, StatusPatching)
	body := draft.Payload()
	body["id"] = userID
	body["imageUrl"] = imageURL
	if _, err := e.client.UpdateResource(ctx, e.collection, userID, body); err != nil {
		e.skipImage(r, WarnImageNotAttached, &PatchError{UserID: userID, Message: remote.UserMessage(err), Err: err})
		r.enter(PhaseDone, "")
		return
	}

	r.res.State.ImageURL = imageURL
	r.enter(PhaseDone, "")
	r.logger.Info().Str("user_id", userID).Str("image_url", imageURL).Msg("profile image attached")
}

// resolveID is step 2. When the create response already carried the id the
// list scan is bypassed.
func (e *Executor) resolveID(ctx context.Context, r *run, draft Draft) (string, bool) {
	if r.res.State.UserID != "" {
		return r.res.State.UserID, true
	}

	r.enter(PhaseResolvingID, StatusResolvingID)
	id, err := e.resolver.ResolveID(ctx, draft.Email)
	if err != nil {
		e.skipImage(r, WarnUnresolved, err)
		r.enter(PhaseDone, "")
		return "", false
	}
	r.res.State.UserID = id
	return id, true
}

// upload is step 3. An accepted upload without an image URL leaves nothing to
// patch, so it is treated as a failed upload.
func (e *Executor) upload(ctx context.Context, userID string, img *Image) (string, error) {
	file := remote.File{Name: img.Name, ContentType: img.ContentType, Data: img.Data}
	resp, err := e.client.UploadFile(ctx, e.collection, userID, file)
	if err != nil {
		return "", &UploadError{UserID: userID, Message: remote.UserMessage(err), Err: err}
	}

	var body struct {
		ImageURL string `json:"imageUrl"`
	}
	if resp != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return "", &UploadError{
				UserID:  userID,
				Message: "upload response could not be read",
				Err:     fmt.Errorf("decode upload response: %w", err),
			}
		}
	}
	if body.ImageURL == "" {
		return "", &UploadError{UserID: userID, Message: "upload response did not include an image url"}
	}
	return body.ImageURL, nil
}

func (e *Executor) skipImage(r *run, warning string, err error) {
	r.res.ImageSkipped = true
	r.res.warn(warning, err)
	r.span.RecordError(err)
	r.logger.Warn().Err(err).Msg(warning)
}

func (e *Executor) finish(ctx context.Context, r *run, draft Draft) {
	r.res.FinishedAt = e.now()
	sub := &Submission{
		ID:        r.res.ID,
		Email:     draft.Email,
		UserID:    r.res.State.UserID,
		Phase:     r.res.State.Phase,
		Warnings:  r.res.Warnings,
		CreatedAt: r.res.StartedAt,
	}
	if err := e.journal.Record(ctx, sub); err != nil {
		r.logger.Warn().Err(err).Msg("journal record failed")
	}
	r.logger.Info().
		Str("phase", string(r.res.State.Phase)).
		Int("warnings", len(r.res.Warnings)).
		Dur("duration", r.res.FinishedAt.Sub(r.res.StartedAt)).
		Msgf("onboarding %s", r.res.State.Phase)
}

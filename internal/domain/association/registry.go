// Package association holds the per-profile view of a primary entity's
// associated entities: counts and filters for the organization chart, search
// and pagination for the connection list, and unlinking behind a mandatory
// confirmation step.
package association

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/console/internal/domain/entity"
	"github.com/ehr/console/internal/platform/remote"
	"github.com/ehr/console/pkg/pagination"
)

var tracer = otel.Tracer("association")

// CountsByKind returns the number of associations of every chart kind. Kinds
// with no associations map to zero. Registries only hold chart kinds, so for
// their lists the counts sum to the list length.
func CountsByKind(assocs []AssociatedEntity) map[entity.Kind]int {
	counts := make(map[entity.Kind]int, len(entity.All()))
	for _, k := range entity.All() {
		counts[k] = 0
	}
	for _, a := range assocs {
		if a.Kind.Valid() {
			counts[a.Kind]++
		}
	}
	return counts
}

// ListByKind returns the associations of the given kind in their original
// order.
func ListByKind(assocs []AssociatedEntity, kind entity.Kind) []AssociatedEntity {
	out := []AssociatedEntity{}
	for _, a := range assocs {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Search returns the associations whose name contains term, ignoring case.
// An empty term returns list unchanged.
func Search(list []AssociatedEntity, term string) []AssociatedEntity {
	term = strings.TrimSpace(term)
	if term == "" {
		return list
	}
	needle := strings.ToLower(term)
	out := []AssociatedEntity{}
	for _, a := range list {
		if strings.Contains(strings.ToLower(a.Name), needle) {
			out = append(out, a)
		}
	}
	return out
}

// Paginate returns the 1-indexed page of list and the total page count.
func Paginate(list []AssociatedEntity, page, pageSize int) ([]AssociatedEntity, int) {
	return pagination.Paginate(list, page, pageSize)
}

// Unlink asks the backend to remove the edge from primary to target and, only
// once the backend accepted it, returns list without target. On failure list
// is returned unchanged together with an *UnlinkError.
func Unlink(ctx context.Context, client remote.Client, primary, target entity.Ref, list []AssociatedEntity) ([]AssociatedEntity, error) {
	ctx, span := tracer.Start(ctx, "Association.Unlink")
	defer span.End()
	span.SetAttributes(
		attribute.String("primary.kind", primary.Kind.String()),
		attribute.String("primary.id", primary.ID),
		attribute.String("target.kind", target.Kind.String()),
		attribute.String("target.id", target.ID),
	)

	edges := []remote.Edge{{EntityType: target.Kind.String(), ID: target.ID}}
	if _, err := client.RemoveAssociation(ctx, primary.Kind.String(), primary.ID, edges); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return list, &UnlinkError{Target: target, Message: remote.UserMessage(err), Err: err}
	}

	out := make([]AssociatedEntity, 0, len(list))
	for _, a := range list {
		if a.ID == target.ID && a.Kind == target.Kind {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// UnlinkPhase is the state of the registry's unlink action.
type UnlinkPhase string

const (
	UnlinkIdle       UnlinkPhase = "idle"
	UnlinkConfirming UnlinkPhase = "confirming"
	UnlinkUnlinking  UnlinkPhase = "unlinking"
)

// PendingUnlink is an unlink awaiting confirmation.
type PendingUnlink struct {
	Token  string           `json:"token"`
	Target AssociatedEntity `json:"target"`
}

// Registry is the association list of one primary entity. It is safe for
// concurrent use; at most one unlink runs at a time.
type Registry struct {
	client  remote.Client
	primary entity.Ref
	logger  zerolog.Logger

	mu      sync.RWMutex
	assocs  []AssociatedEntity
	phase   UnlinkPhase
	pending *PendingUnlink
	lastErr error
}

// NewRegistry builds a registry over assocs. Entries of an unknown kind are
// left out.
func NewRegistry(client remote.Client, primary entity.Ref, assocs []AssociatedEntity, logger zerolog.Logger) *Registry {
	logger = logger.With().Str("primary_kind", primary.Kind.String()).Str("primary_id", primary.ID).Logger()
	kept, dropped := known(assocs)
	if dropped > 0 {
		logger.Warn().Int("dropped", dropped).Msg("associations of unknown kind ignored")
	}
	return &Registry{
		client:  client,
		primary: primary,
		assocs:  kept,
		phase:   UnlinkIdle,
		logger:  logger,
	}
}

// Load fetches the primary entity's detail payload and builds a registry from
// its association list.
func Load(ctx context.Context, client remote.Client, primary entity.Ref, logger zerolog.Logger) (*Registry, error) {
	resp, err := client.GetResource(ctx, primary.Kind.Collection(), primary.ID)
	if err != nil {
		return nil, err
	}
	assocs, dropped, err := Hydrate(resp.Body)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		logger.Warn().
			Str("primary_kind", primary.Kind.String()).
			Str("primary_id", primary.ID).
			Int("dropped", dropped).
			Msg("associations without an id or a known entityType ignored")
	}
	return NewRegistry(client, primary, assocs, logger), nil
}

func (r *Registry) Primary() entity.Ref { return r.primary }

// Associations returns a copy of the current list.
func (r *Registry) Associations() []AssociatedEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AssociatedEntity, len(r.assocs))
	copy(out, r.assocs)
	return out
}

func (r *Registry) Counts() map[entity.Kind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return CountsByKind(r.assocs)
}

// Query is a filtered, searched page of the list.
type Query struct {
	Kind     entity.Kind
	Term     string
	Page     int
	PageSize int
}

// Find applies the optional kind filter, then the search term, then
// pagination. It returns the page, the number of matching associations and
// the total page count.
func (r *Registry) Find(q Query) ([]AssociatedEntity, int, int) {
	list := r.Associations()
	if q.Kind.Valid() {
		list = ListByKind(list, q.Kind)
	}
	list = Search(list, q.Term)
	items, pages := Paginate(list, q.Page, q.PageSize)
	return items, len(list), pages
}

// Phase returns the unlink state and the pending unlink, if any.
func (r *Registry) Phase() (UnlinkPhase, *PendingUnlink) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending == nil {
		return r.phase, nil
	}
	p := *r.pending
	return r.phase, &p
}

// LastError returns the error of the most recent failed unlink.
func (r *Registry) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// RequestUnlink moves Idle -> Confirming for target and returns the token
// that ConfirmUnlink must present. A new request replaces an unconfirmed one.
func (r *Registry) RequestUnlink(target entity.Ref) (*PendingUnlink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == UnlinkUnlinking {
		return nil, ErrUnlinkInProgress
	}
	found, ok := r.find(target)
	if !ok {
		return nil, ErrNotAssociated
	}

	r.pending = &PendingUnlink{Token: uuid.NewString(), Target: found}
	r.phase = UnlinkConfirming
	p := *r.pending
	return &p, nil
}

// CancelUnlink moves Confirming -> Idle.
func (r *Registry) CancelUnlink() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.phase {
	case UnlinkUnlinking:
		return ErrUnlinkInProgress
	case UnlinkIdle:
		return ErrNotConfirming
	}
	r.phase = UnlinkIdle
	r.pending = nil
	return nil
}

// ConfirmUnlink moves Confirming -> Unlinking, issues the remote call and
// returns to Idle. The target leaves the list only if the call succeeded.
func (r *Registry) ConfirmUnlink(ctx context.Context, token string) error {
	r.mu.Lock()
	switch {
	case r.phase == UnlinkUnlinking:
		r.mu.Unlock()
		return ErrUnlinkInProgress
	case r.phase != UnlinkConfirming || r.pending == nil:
		r.mu.Unlock()
		return ErrNotConfirming
	case r.pending.Token != token:
		r.mu.Unlock()
		return ErrTokenMismatch
	}
	target := r.pending.Target.Ref()
	r.phase = UnlinkUnlinking
	r.mu.Unlock()

	// Once issued the call is not cancelable; the client's own timeout still
	// bounds it. Only this call can be in the Unlinking phase, so the
	// snapshot stays current.
	updated, err := Unlink(context.WithoutCancel(ctx), r.client, r.primary, target, r.Associations())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = UnlinkIdle
	r.pending = nil
	r.lastErr = err
	if err != nil {
		r.logger.Warn().Err(err).Str("target_id", target.ID).Msg("unlink failed")
		return err
	}
	r.assocs = updated
	r.logger.Info().Str("target_kind", target.Kind.String()).Str("target_id", target.ID).Msg("association removed")
	return nil
}

func (r *Registry) find(target entity.Ref) (AssociatedEntity, bool) {
	for _, a := range r.assocs {
		if a.ID == target.ID && a.Kind == target.Kind {
			return a, true
		}
	}
	return AssociatedEntity{}, false
}

package association

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/console/internal/domain/entity"
	"github.com/ehr/console/internal/platform/remote"
)

// -- Mock Remote Client --

type removeCall struct {
	primaryKind string
	primaryID   string
	edges       []remote.Edge
}

type mockClient struct {
	mu      sync.Mutex
	removes []removeCall

	detail       string
	detailStatus int
	removeStatus int
	removeBody   string
	// removeBlock, when set, is waited on inside RemoveAssociation.
	removeBlock chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{detail: `{}`, detailStatus: http.StatusOK, removeStatus: http.StatusOK, removeBody: `{}`}
}

func result(op string, status int, body string) (*remote.Response, error) {
	resp := &remote.Response{Status: status, Body: json.RawMessage(body)}
	if status < 200 || status >= 300 {
		var payload struct {
			Message string `json:"message"`
		}
		json.Unmarshal([]byte(body), &payload)
		if payload.Message == "" {
			payload.Message = remote.GenericMessage
		}
		return resp, &remote.Error{Op: op, Status: status, Message: payload.Message}
	}
	return resp, nil
}

func (m *mockClient) CreateResource(context.Context, string, any) (*remote.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockClient) ListResources(context.Context, string) (*remote.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockClient) GetResource(_ context.Context, collection, id string) (*remote.Response, error) {
	return result("get", m.detailStatus, m.detail)
}

func (m *mockClient) UploadFile(context.Context, string, string, remote.File) (*remote.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockClient) UpdateResource(context.Context, string, string, any) (*remote.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockClient) RemoveAssociation(_ context.Context, primaryKind, primaryID string, edges []remote.Edge) (*remote.Response, error) {
	m.mu.Lock()
	m.removes = append(m.removes, removeCall{primaryKind: primaryKind, primaryID: primaryID, edges: edges})
	block := m.removeBlock
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return result("remove_association", m.removeStatus, m.removeBody)
}

func (m *mockClient) removeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.removes)
}

func sample() []AssociatedEntity {
	return []AssociatedEntity{
		{ID: "1", Kind: entity.KindPractice, Name: "Northside Family Practice"},
		{ID: "2", Kind: entity.KindContact, Name: "Dana Whitfield"},
		{ID: "3", Kind: entity.KindPractitioner, Name: "Dr. Priya Raman"},
		{ID: "4", Kind: entity.KindContact, Name: "Sam North"},
		{ID: "5", Kind: entity.KindInsurance, Name: "Blue Harbor Health"},
	}
}

var primary = entity.Ref{Kind: entity.KindCorporate, ID: "c-1"}

// -- Pure Functions --

func TestCountsByKind(t *testing.T) {
	counts := CountsByKind(sample())

	want := map[entity.Kind]int{
		entity.KindPractice:     1,
		entity.KindPractitioner: 1,
		entity.KindContact:      2,
		entity.KindCorporate:    0,
		entity.KindEHR:          0,
		entity.KindInsurance:    1,
	}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("expected %v, got %v", want, counts)
	}
}

func TestCountsByKind_OrderInvariantAndSums(t *testing.T) {
	list := sample()
	base := CountsByKind(list)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := make([]AssociatedEntity, len(list))
		copy(shuffled, list)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		counts := CountsByKind(shuffled)
		if !reflect.DeepEqual(counts, base) {
			t.Fatalf("counts changed with order: %v vs %v", counts, base)
		}
		sum := 0
		for _, n := range counts {
			sum += n
		}
		if sum != len(list) {
			t.Fatalf("expected counts to sum to %d, got %d", len(list), sum)
		}
	}
}

func TestCountsByKind_Empty(t *testing.T) {
	counts := CountsByKind(nil)
	if len(counts) != len(entity.All()) {
		t.Fatalf("expected every kind present, got %v", counts)
	}
	for k, n := range counts {
		if n != 0 {
			t.Errorf("expected zero for %s, got %d", k, n)
		}
	}
}

func TestCountsByKind_CaseInsensitiveDecode(t *testing.T) {
	var list []AssociatedEntity
	if err := json.Unmarshal([]byte(`[{"id":"1","entityType":"practice"},{"id":"2","entityType":"Practice"}]`), &list); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := CountsByKind(list)[entity.KindPractice]; n != 2 {
		t.Errorf("expected 2 practices, got %d", n)
	}
}

func TestListByKind(t *testing.T) {
	list := sample()

	contacts := ListByKind(list, entity.KindContact)
	if len(contacts) != 2 || contacts[0].ID != "2" || contacts[1].ID != "4" {
		t.Errorf("expected contacts [2 4] in order, got %v", contacts)
	}
	if again := ListByKind(list, entity.KindContact); !reflect.DeepEqual(again, contacts) {
		t.Errorf("expected repeat call to be equal, got %v", again)
	}
	if ehrs := ListByKind(list, entity.KindEHR); ehrs == nil || len(ehrs) != 0 {
		t.Errorf("expected empty non-nil list, got %v", ehrs)
	}
}

func TestSearch(t *testing.T) {
	list := sample()

	tests := []struct {
		term string
		want []string
	}{
		{"north", []string{"1", "4"}},
		{"NORTH", []string{"1", "4"}},
		{"dr. p", []string{"3"}},
		{"zzz", []string{}},
	}
	for _, tt := range tests {
		got := Search(list, tt.term)
		ids := []string{}
		for _, a := range got {
			ids = append(ids, a.ID)
		}
		if !reflect.DeepEqual(ids, tt.want) {
			t.Errorf("Search(%q): expected %v, got %v", tt.term, tt.want, ids)
		}
	}

	if got := Search(list, ""); !reflect.DeepEqual(got, list) {
		t.Errorf("expected empty term to return input, got %v", got)
	}
}

func TestPaginate_Associations(t *testing.T) {
	list := sample()

	page, total := Paginate(list, 2, 4)
	if total != 2 {
		t.Errorf("expected 2 pages, got %d", total)
	}
	if len(page) != 1 || page[0].ID != "5" {
		t.Errorf("unexpected second page %v", page)
	}

	var all []AssociatedEntity
	for p := 1; p <= total; p++ {
		items, _ := Paginate(list, p, 4)
		all = append(all, items...)
	}
	if !reflect.DeepEqual(all, list) {
		t.Errorf("expected pages to concatenate to the list, got %v", all)
	}
}

// -- Unlink --

func TestUnlink_Success(t *testing.T) {
	m := newMockClient()
	list := []AssociatedEntity{
		{ID: "1", Kind: entity.KindPractice},
		{ID: "2", Kind: entity.KindContact},
	}

	out, err := Unlink(context.Background(), m, primary, entity.Ref{Kind: entity.KindPractice, ID: "1"}, list)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].ID != "2" {
		t.Errorf("expected [2], got %v", out)
	}
	if len(list) != 2 {
		t.Error("input list must not be modified")
	}

	call := m.removes[0]
	if call.primaryKind != "CORPORATE" || call.primaryID != "c-1" {
		t.Errorf("unexpected scope %+v", call)
	}
	if len(call.edges) != 1 || call.edges[0].EntityType != "PRACTICE" || call.edges[0].ID != "1" {
		t.Errorf("unexpected edges %+v", call.edges)
	}
}

func TestUnlink_Failure(t *testing.T) {
	m := newMockClient()
	m.removeStatus = http.StatusInternalServerError
	m.removeBody = `{"message":"association is locked"}`
	list := []AssociatedEntity{
		{ID: "1", Kind: entity.KindPractice},
		{ID: "2", Kind: entity.KindContact},
	}

	out, err := Unlink(context.Background(), m, primary, entity.Ref{Kind: entity.KindContact, ID: "2"}, list)
	if !errors.Is(err, ErrUnlink) {
		t.Fatalf("expected ErrUnlink, got %v", err)
	}
	var uerr *UnlinkError
	if !errors.As(err, &uerr) || uerr.Message != "association is locked" {
		t.Errorf("expected backend message, got %v", err)
	}
	if !reflect.DeepEqual(out, list) {
		t.Errorf("expected list unchanged, got %v", out)
	}
	if m.removeCount() != 1 {
		t.Errorf("expected exactly one call, got %d", m.removeCount())
	}
}

// -- Registry --

func TestRegistry_UnlinkScenario(t *testing.T) {
	m := newMockClient()
	reg := NewRegistry(m, primary, []AssociatedEntity{
		{ID: "1", Kind: entity.KindPractice},
		{ID: "2", Kind: entity.KindContact},
	}, zerolog.Nop())
	ctx := context.Background()

	pending, err := reg.RequestUnlink(entity.Ref{Kind: entity.KindPractice, ID: "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if phase, _ := reg.Phase(); phase != UnlinkConfirming {
		t.Errorf("expected confirming, got %s", phase)
	}
	if err := reg.ConfirmUnlink(ctx, pending.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reg.Associations(); len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("expected [2], got %v", got)
	}
	if phase, p := reg.Phase(); phase != UnlinkIdle || p != nil {
		t.Errorf("expected idle with nothing pending, got %s %v", phase, p)
	}

	m.removeStatus = http.StatusBadGateway
	pending, err = reg.RequestUnlink(entity.Ref{Kind: entity.KindContact, ID: "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = reg.ConfirmUnlink(ctx, pending.Token)
	if !errors.Is(err, ErrUnlink) {
		t.Fatalf("expected ErrUnlink, got %v", err)
	}
	if got := reg.Associations(); len(got) != 1 || got[0].ID != "2" {
		t.Errorf("expected list unchanged, got %v", got)
	}
	if !errors.Is(reg.LastError(), ErrUnlink) {
		t.Errorf("expected last error to be recorded, got %v", reg.LastError())
	}
	if phase, _ := reg.Phase(); phase != UnlinkIdle {
		t.Errorf("expected idle after failure, got %s", phase)
	}
}

func TestRegistry_ConfirmationIsMandatory(t *testing.T) {
	m := newMockClient()
	reg := NewRegistry(m, primary, sample(), zerolog.Nop())
	ctx := context.Background()

	if err := reg.ConfirmUnlink(ctx, "anything"); !errors.Is(err, ErrNotConfirming) {
		t.Errorf("expected ErrNotConfirming, got %v", err)
	}

	if _, err := reg.RequestUnlink(entity.Ref{Kind: entity.KindContact, ID: "2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.ConfirmUnlink(ctx, "wrong-token"); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("expected ErrTokenMismatch, got %v", err)
	}
	if m.removeCount() != 0 {
		t.Errorf("expected no remote call without confirmation, got %d", m.removeCount())
	}
}

func TestRegistry_Cancel(t *testing.T) {
	m := newMockClient()
	reg := NewRegistry(m, primary, sample(), zerolog.Nop())

	if err := reg.CancelUnlink(); !errors.Is(err, ErrNotConfirming) {
		t.Errorf("expected ErrNotConfirming, got %v", err)
	}

	pending, _ := reg.RequestUnlink(entity.Ref{Kind: entity.KindContact, ID: "2"})
	if err := reg.CancelUnlink(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.ConfirmUnlink(context.Background(), pending.Token); !errors.Is(err, ErrNotConfirming) {
		t.Errorf("expected cancelled token to be rejected, got %v", err)
	}
	if len(reg.Associations()) != len(sample()) {
		t.Error("expected list unchanged after cancel")
	}
}

func TestRegistry_RequestUnknownTarget(t *testing.T) {
	reg := NewRegistry(newMockClient(), primary, sample(), zerolog.Nop())

	_, err := reg.RequestUnlink(entity.Ref{Kind: entity.KindPractice, ID: "2"})
	if !errors.Is(err, ErrNotAssociated) {
		t.Errorf("expected ErrNotAssociated, got %v", err)
	}
	if phase, _ := reg.Phase(); phase != UnlinkIdle {
		t.Errorf("expected idle, got %s", phase)
	}
}

func TestRegistry_RejectsConcurrentUnlink(t *testing.T) {
	m := newMockClient()
	m.removeBlock = make(chan struct{})
	reg := NewRegistry(m, primary, sample(), zerolog.Nop())

	pending, _ := reg.RequestUnlink(entity.Ref{Kind: entity.KindContact, ID: "2"})
	done := make(chan error)
	go func() {
		done <- reg.ConfirmUnlink(context.Background(), pending.Token)
	}()

	for {
		if phase, _ := reg.Phase(); phase == UnlinkUnlinking {
			break
		}
	}

	if _, err := reg.RequestUnlink(entity.Ref{Kind: entity.KindContact, ID: "4"}); !errors.Is(err, ErrUnlinkInProgress) {
		t.Errorf("expected ErrUnlinkInProgress, got %v", err)
	}
	if err := reg.ConfirmUnlink(context.Background(), pending.Token); !errors.Is(err, ErrUnlinkInProgress) {
		t.Errorf("expected ErrUnlinkInProgress, got %v", err)
	}

	close(m.removeBlock)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.removeCount() != 1 {
		t.Errorf("expected a single remote call, got %d", m.removeCount())
	}
}

func TestRegistry_UnlinkIgnoresRequestCancellation(t *testing.T) {
	m := newMockClient()
	reg := NewRegistry(m, primary, sample(), zerolog.Nop())

	pending, _ := reg.RequestUnlink(entity.Ref{Kind: entity.KindContact, ID: "2"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := reg.ConfirmUnlink(ctx, pending.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reg.Associations()) != len(sample())-1 {
		t.Error("expected target removed")
	}
}

func TestRegistry_Find(t *testing.T) {
	reg := NewRegistry(newMockClient(), primary, sample(), zerolog.Nop())

	items, total, pages := reg.Find(Query{Kind: entity.KindContact, Term: "north", Page: 1, PageSize: 10})
	if total != 1 || pages != 1 || len(items) != 1 || items[0].ID != "4" {
		t.Errorf("unexpected result items=%v total=%d pages=%d", items, total, pages)
	}

	items, total, pages = reg.Find(Query{Page: 2, PageSize: 4})
	if total != 5 || pages != 2 || len(items) != 1 {
		t.Errorf("unexpected result items=%v total=%d pages=%d", items, total, pages)
	}
}

func TestLoad(t *testing.T) {
	m := newMockClient()
	m.detail = `{"id":"c-1","name":"Acme","associatedEntities":[{"id":1,"entityType":"practice","name":"Northside"},{"id":"2","entityType":"EHR","name":"ChartCo"}]}`

	reg, err := Load(context.Background(), m, primary, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := reg.Associations()
	want := []AssociatedEntity{
		{ID: "1", Kind: entity.KindPractice, Name: "Northside"},
		{ID: "2", Kind: entity.KindEHR, Name: "ChartCo"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNewRegistry_DropsUnknownKinds(t *testing.T) {
	list := append(sample(), AssociatedEntity{ID: "6", Kind: entity.KindUnknown, Name: "Legacy Record"})
	reg := NewRegistry(newMockClient(), primary, list, zerolog.Nop())

	got := reg.Associations()
	if len(got) != len(sample()) {
		t.Fatalf("expected %d associations, got %v", len(sample()), got)
	}
	sum := 0
	for _, n := range reg.Counts() {
		sum += n
	}
	if sum != len(got) {
		t.Errorf("expected counts to sum to %d, got %d", len(got), sum)
	}
	if _, total, _ := reg.Find(Query{Page: 1, PageSize: 10}); total != sum {
		t.Errorf("expected find total %d to match counts, got %d", sum, total)
	}
}

func TestLoad_RemoteFailure(t *testing.T) {
	m := newMockClient()
	m.detailStatus = http.StatusNotFound

	if _, err := Load(context.Background(), m, primary, zerolog.Nop()); remote.StatusOf(err) != http.StatusNotFound {
		t.Errorf("expected 404 remote error, got %v", err)
	}
}

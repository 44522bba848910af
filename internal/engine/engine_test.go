package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/phone"
	"github.com/BTreeMap/LeadPipe/internal/stages"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	leadIDs []string
	outcome models.DispatchOutcome
}

func (f *fakeDispatcher) DispatchLead(ctx context.Context, lead models.Lead) models.LeadDispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leadIDs = append(f.leadIDs, lead.ID)
	outcome := f.outcome
	if outcome == "" {
		outcome = models.OutcomeDelivered
	}
	return models.LeadDispatchResult{LeadID: lead.ID, Stage: lead.Stage, Outcome: outcome}
}

func (f *fakeDispatcher) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.leadIDs...)
}

func newTestEngine(st store.Store, opts ...Option) (*ProgressionEngine, *fakeDispatcher) {
	e := NewProgressionEngine(st, phone.NewNormalizer(phone.Config{}), opts...)
	d := &fakeDispatcher{}
	e.SetDispatcher(d)
	return e, d
}

func claimKinds(t *testing.T, st store.Store) map[string]models.NotifyPayload {
	t.Helper()
	notifications, err := st.ClaimDueNotifications(time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kinds := make(map[string]models.NotifyPayload, len(notifications))
	for _, n := range notifications {
		var p models.NotifyPayload
		if err := json.Unmarshal([]byte(n.PayloadJSON), &p); err != nil {
			t.Fatalf("payload decode failed: %v", err)
		}
		kinds[n.Kind] = p
	}
	return kinds
}

func TestOnExternalStageConfirmedCreatesAndDispatches(t *testing.T) {
	st := store.NewInMemoryStore()
	e, d := newTestEngine(st)

	ev := models.StageChangeEvent{
		LeadID:     "lead-1",
		Name:       "Alice",
		Phone:      "11987654321",
		StageLabel: stages.LabelFirstContact,
		EventID:    "evt-1",
	}
	res, err := e.OnExternalStageConfirmed(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || res.Outcome != models.OutcomeDelivered {
		t.Errorf("expected delivered result, got %+v", res)
	}

	lead, _ := st.GetLead("lead-1")
	if lead == nil {
		t.Fatal("lead should have been created")
	}
	if lead.Stage != models.StageFirstContact || !lead.Active {
		t.Errorf("lead not upserted correctly: %+v", lead)
	}
	if lead.NormalizedPhone != "5511987654321" {
		t.Errorf("normalized phone = %q", lead.NormalizedPhone)
	}
	if got := d.dispatched(); len(got) != 1 || got[0] != "lead-1" {
		t.Errorf("expected one immediate dispatch, got %v", got)
	}
}

func TestOnExternalStageConfirmedDuplicateEventIgnored(t *testing.T) {
	st := store.NewInMemoryStore()
	e, d := newTestEngine(st)

	ev := models.StageChangeEvent{
		LeadID:     "lead-1",
		Name:       "Alice",
		Phone:      "11987654321",
		StageLabel: stages.LabelFirstContact,
		EventID:    "evt-1",
	}
	if _, err := e.OnExternalStageConfirmed(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := e.OnExternalStageConfirmed(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Errorf("replayed event must be ignored, got %+v", res)
	}
	if got := d.dispatched(); len(got) != 1 {
		t.Errorf("replayed event must not re-send, got %d dispatches", len(got))
	}
}

func TestOnExternalStageConfirmedUnknownLabelRejected(t *testing.T) {
	st := store.NewInMemoryStore()
	e, _ := newTestEngine(st)

	ev := models.StageChangeEvent{
		LeadID:     "lead-1",
		Phone:      "11987654321",
		StageLabel: "Won",
	}
	if _, err := e.OnExternalStageConfirmed(context.Background(), ev); err == nil {
		t.Error("expected validation error for unrecognized label")
	}
}

func TestScheduleAdvanceMovesToSuccessor(t *testing.T) {
	st := store.NewInMemoryStore()
	// Friday 17:50: the 24h interval lands Saturday and must roll to Monday 09:00.
	base := time.Date(2025, time.June, 6, 17, 50, 0, 0, time.UTC)
	e, _ := newTestEngine(st, WithClock(func() time.Time { return base }))

	if err := st.UpsertLead(models.Lead{
		ID: "lead-1", Name: "Alice", Phone: "11987654321",
		NormalizedPhone: "5511987654321", Stage: models.StageFirstContact,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.ScheduleAdvance(context.Background(), "lead-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lead, _ := st.GetLead("lead-1")
	if lead.Stage != models.StageSecondContact {
		t.Errorf("stage = %s, want %s", lead.Stage, models.StageSecondContact)
	}
	want := time.Date(2025, time.June, 9, 9, 0, 0, 0, time.UTC)
	if lead.NextDispatchAt == nil || !lead.NextDispatchAt.Equal(want) {
		t.Errorf("next dispatch = %v, want %v", lead.NextDispatchAt, want)
	}

	kinds := claimKinds(t, st)
	status, ok := kinds[store.NotifyKindStageStatus]
	if !ok {
		t.Fatal("expected a stage status notification")
	}
	if status.StageLabel != stages.LabelSecondContact {
		t.Errorf("status label = %q, want %q", status.StageLabel, stages.LabelSecondContact)
	}
	next, ok := kinds[store.NotifyKindNextContact]
	if !ok {
		t.Fatal("expected a next contact notification")
	}
	if next.NextContactAt == nil || !next.NextContactAt.Equal(want) {
		t.Errorf("next contact = %v, want %v", next.NextContactAt, want)
	}
}

func TestScheduleAdvanceTerminalExit(t *testing.T) {
	st := store.NewInMemoryStore()
	e, _ := newTestEngine(st)

	if err := st.UpsertLead(models.Lead{
		ID: "lead-1", Name: "Alice", Phone: "11987654321",
		NormalizedPhone: "5511987654321", Stage: models.StageFinalContact,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.ScheduleAdvance(context.Background(), "lead-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lead, _ := st.GetLead("lead-1")
	if lead.Active {
		t.Error("lead should be deactivated after the last stage")
	}
	if lead.NextDispatchAt != nil {
		t.Error("terminal exit must clear the schedule")
	}

	kinds := claimKinds(t, st)
	if _, ok := kinds[store.NotifyKindNonResponsive]; !ok {
		t.Error("expected a non-responsive notification")
	}
}

func TestScheduleAdvanceAbsorbingStatesUntouched(t *testing.T) {
	st := store.NewInMemoryStore()
	e, _ := newTestEngine(st)

	if err := st.UpsertLead(models.Lead{
		ID: "lead-1", NormalizedPhone: "5511987654321", Phone: "11987654321", Stage: models.StageSecondContact,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.DeactivateLead("lead-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.ScheduleAdvance(context.Background(), "lead-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lead, _ := st.GetLead("lead-1")
	if lead.Active || lead.NextDispatchAt != nil {
		t.Errorf("inactive lead must never be re-armed, got %+v", lead)
	}
}

func TestOnInboundReplyMovesToAwaitingCall(t *testing.T) {
	st := store.NewInMemoryStore()
	e, _ := newTestEngine(st)

	if err := st.UpsertLead(models.Lead{
		ID: "lead-1", Name: "Alice", Phone: "11987654321",
		NormalizedPhone: "5511987654321", Stage: models.StageSecondContact,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	at := time.Now().Add(time.Hour)
	if err := st.SetNextDispatchAt("lead-1", &at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Raw local form: the lookup must go through normalization.
	reply := models.Reply{From: "11987654321", Body: "sure, call me"}
	if err := e.OnInboundReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lead, _ := st.GetLead("lead-1")
	if lead.Stage != models.StageAwaitingCall {
		t.Errorf("stage = %s, want %s", lead.Stage, models.StageAwaitingCall)
	}
	if lead.Active || lead.NextDispatchAt != nil {
		t.Errorf("reply must deactivate and clear the schedule, got %+v", lead)
	}

	kinds := claimKinds(t, st)
	if _, ok := kinds[store.NotifyKindAwaitingCall]; !ok {
		t.Error("expected an awaiting call notification")
	}
}

func TestOnInboundReplyUnknownPhoneIsNoop(t *testing.T) {
	st := store.NewInMemoryStore()
	e, _ := newTestEngine(st)

	reply := models.Reply{From: "11911112222", Body: "hi"}
	if err := e.OnInboundReply(context.Background(), reply); err != nil {
		t.Errorf("unknown phone should be a recorded no-op, got %v", err)
	}
}

func TestOnInboundReplyFromMeIgnored(t *testing.T) {
	st := store.NewInMemoryStore()
	e, _ := newTestEngine(st)

	if err := st.UpsertLead(models.Lead{
		ID: "lead-1", Phone: "11987654321", NormalizedPhone: "5511987654321", Stage: models.StageSecondContact,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reply := models.Reply{From: "11987654321", Body: "auto", FromMe: true}
	if err := e.OnInboundReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lead, _ := st.GetLead("lead-1")
	if !lead.Active {
		t.Error("own messages must not touch the lead")
	}
}

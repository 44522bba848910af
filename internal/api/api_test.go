package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/dispatch"
	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/phone"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// fakeSender records sends and can block to simulate a slow gateway.
type fakeSender struct {
	texts []string
	block chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, to, body string) error {
	if f.block != nil {
		<-f.block
	}
	f.texts = append(f.texts, to)
	return nil
}

func (f *fakeSender) SendAudio(ctx context.Context, to, assetPath string) error {
	return nil
}

type fakeResolver struct{}

func (f *fakeResolver) ResolveMessage(ctx context.Context, stage models.Stage, leadName string) (string, error) {
	return "hello " + leadName, nil
}

func (f *fakeResolver) ResolveAudio(stage models.Stage) (string, bool) {
	return "", false
}

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *fakeSender) {
	t.Helper()
	st := store.NewInMemoryStore()
	normalizer := phone.NewNormalizer(phone.Config{})
	eng := engine.NewProgressionEngine(st, normalizer)
	sender := &fakeSender{}
	coordinator := dispatch.NewCoordinator(st, sender, &fakeResolver{}, normalizer, eng,
		dispatch.WithInterLeadCooldown(0),
		dispatch.WithRetryCooldown(time.Millisecond))
	eng.SetDispatcher(coordinator)
	return NewServer(eng, coordinator, st), st, sender
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp models.APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return w, resp
}

func TestStageWebhookCreatesAndDispatchesLead(t *testing.T) {
	s, st, sender := newTestServer(t)

	body := `{"lead_id":"lead-1","name":"Ana","phone":"(11) 98765-4321","stage_label":"First Contact","event_id":"evt-1"}`
	w, resp := doRequest(t, s, "POST", "/webhooks/stage", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("response status = %q, want ok", resp.Status)
	}

	lead, err := st.GetLead("lead-1")
	if err != nil || lead == nil {
		t.Fatalf("lead not stored: %v", err)
	}
	if lead.Stage != models.StageFirstContact {
		t.Errorf("stage = %q, want first_contact", lead.Stage)
	}
	if len(sender.texts) != 1 || sender.texts[0] != "5511987654321" {
		t.Errorf("sends = %v, want one to 5511987654321", sender.texts)
	}
}

func TestStageWebhookUnknownLabelIgnored(t *testing.T) {
	s, st, sender := newTestServer(t)

	body := `{"lead_id":"lead-1","phone":"11987654321","stage_label":"Won","event_id":"evt-1"}`
	w, resp := doRequest(t, s, "POST", "/webhooks/stage", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp.Status != string(models.APIStatusIgnored) {
		t.Errorf("response status = %q, want ignored", resp.Status)
	}
	if lead, _ := st.GetLead("lead-1"); lead != nil {
		t.Error("unrecognized label must not create a lead")
	}
	if len(sender.texts) != 0 {
		t.Errorf("no send expected, got %v", sender.texts)
	}
}

func TestStageWebhookDuplicateEventIgnored(t *testing.T) {
	s, _, sender := newTestServer(t)

	body := `{"lead_id":"lead-1","phone":"11987654321","stage_label":"First Contact","event_id":"evt-1"}`
	doRequest(t, s, "POST", "/webhooks/stage", body)
	w, resp := doRequest(t, s, "POST", "/webhooks/stage", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp.Status != string(models.APIStatusIgnored) {
		t.Errorf("response status = %q, want ignored", resp.Status)
	}
	if len(sender.texts) != 1 {
		t.Errorf("sends = %d, want exactly 1", len(sender.texts))
	}
}

func TestStageWebhookRejectsBadPayloads(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, _ := doRequest(t, s, "POST", "/webhooks/stage", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: status = %d, want 400", w.Code)
	}

	w, resp := doRequest(t, s, "POST", "/webhooks/stage", `{"lead_id":"","phone":"11987654321","stage_label":"First Contact"}`)
	if w.Code != http.StatusBadRequest || resp.Status != string(models.APIStatusError) {
		t.Errorf("missing lead_id: status = %d (%s), want 400 error", w.Code, resp.Status)
	}

	w, _ = doRequest(t, s, "GET", "/webhooks/stage", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", w.Code)
	}
}

func TestReplyWebhookMovesLeadToAwaitingCall(t *testing.T) {
	s, st, _ := newTestServer(t)

	if err := st.UpsertLead(models.Lead{
		ID:              "lead-1",
		Phone:           "(11) 98765-4321",
		NormalizedPhone: "5511987654321",
		Stage:           models.StageSecondContact,
	}); err != nil {
		t.Fatalf("seed lead: %v", err)
	}

	body := `{"from":"11987654321","body":"can you call me?","message_id":"m-1"}`
	w, resp := doRequest(t, s, "POST", "/webhooks/reply", body)
	if w.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Fatalf("status = %d (%s)", w.Code, resp.Status)
	}

	lead, _ := st.GetLead("lead-1")
	if lead.Stage != models.StageAwaitingCall {
		t.Errorf("stage = %q, want awaiting_call", lead.Stage)
	}
	if lead.Active {
		t.Error("lead must leave the automatic sequence after replying")
	}
}

func TestReplyWebhookFiltersOwnMessages(t *testing.T) {
	s, st, _ := newTestServer(t)

	if err := st.UpsertLead(models.Lead{
		ID:              "lead-1",
		Phone:           "11987654321",
		NormalizedPhone: "5511987654321",
		Stage:           models.StageSecondContact,
	}); err != nil {
		t.Fatalf("seed lead: %v", err)
	}

	body := `{"from":"11987654321","body":"auto reply","from_me":true}`
	w, resp := doRequest(t, s, "POST", "/webhooks/reply", body)
	if w.Code != http.StatusOK || resp.Status != string(models.APIStatusIgnored) {
		t.Fatalf("status = %d (%s), want 200 ignored", w.Code, resp.Status)
	}

	lead, _ := st.GetLead("lead-1")
	if lead.Stage != models.StageSecondContact || !lead.Active {
		t.Errorf("own-device message must not touch the lead, got stage=%q active=%v", lead.Stage, lead.Active)
	}
}

func TestBatchRunEndpoint(t *testing.T) {
	s, st, sender := newTestServer(t)

	if err := st.UpsertLead(models.Lead{
		ID:              "lead-1",
		Phone:           "11987654321",
		NormalizedPhone: "5511987654321",
		Stage:           models.StageFirstContact,
	}); err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	due := time.Now().Add(-time.Hour)
	if err := st.SetNextDispatchAt("lead-1", &due); err != nil {
		t.Fatalf("arm lead: %v", err)
	}

	w, resp := doRequest(t, s, "POST", "/batch/run", "")
	if w.Code != http.StatusOK || resp.Status != string(models.APIStatusOK) {
		t.Fatalf("status = %d (%s)", w.Code, resp.Status)
	}
	if len(sender.texts) != 1 {
		t.Errorf("sends = %d, want 1", len(sender.texts))
	}

	var batch models.BatchResult
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &batch); err != nil {
		t.Fatalf("result shape: %v", err)
	}
	if batch.Processed != 1 || batch.Pending != 0 {
		t.Errorf("batch = %+v, want processed=1 pending=0", batch)
	}
}

func TestBatchRunBusyWhileRunning(t *testing.T) {
	s, st, sender := newTestServer(t)
	sender.block = make(chan struct{})

	if err := st.UpsertLead(models.Lead{
		ID:              "lead-1",
		Phone:           "11987654321",
		NormalizedPhone: "5511987654321",
		Stage:           models.StageFirstContact,
	}); err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	due := time.Now().Add(-time.Hour)
	if err := st.SetNextDispatchAt("lead-1", &due); err != nil {
		t.Fatalf("arm lead: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req := httptest.NewRequest("POST", "/batch/run", strings.NewReader(""))
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()

	deadline := time.After(2 * time.Second)
	for {
		req := httptest.NewRequest("POST", "/batch/run", strings.NewReader(""))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code == http.StatusConflict {
			var resp models.APIResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid JSON response: %v", err)
			}
			if resp.Status != string(models.APIStatusBusy) {
				t.Errorf("response status = %q, want busy", resp.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("second batch never reported busy")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	close(sender.block)
	<-firstDone
}

func TestLeadEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t)

	if err := st.UpsertLead(models.Lead{
		ID:              "lead-1",
		Name:            "Ana",
		Phone:           "11987654321",
		NormalizedPhone: "5511987654321",
		Stage:           models.StageThirdContact,
	}); err != nil {
		t.Fatalf("seed lead: %v", err)
	}

	w, resp := doRequest(t, s, "GET", "/leads", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	leads, ok := resp.Result.([]interface{})
	if !ok || len(leads) != 1 {
		t.Errorf("list result = %v, want one lead", resp.Result)
	}

	w, resp = doRequest(t, s, "GET", "/leads/lead-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var lead models.Lead
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &lead); err != nil {
		t.Fatalf("lead shape: %v", err)
	}
	if lead.ID != "lead-1" || lead.Stage != models.StageThirdContact {
		t.Errorf("lead = %+v", lead)
	}

	w, _ = doRequest(t, s, "GET", "/leads/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing lead status = %d, want 404", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, resp := doRequest(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	status, ok := resp.Result.(map[string]interface{})
	if !ok || status["status"] != "healthy" {
		t.Errorf("health result = %v", resp.Result)
	}
}

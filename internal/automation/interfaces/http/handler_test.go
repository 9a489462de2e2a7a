package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	automation "cmms-automation/internal/automation/domain"
)

type stubEngine struct {
	changed  []automation.Automation
	removed  []string
	reloaded int
}

func (s *stubEngine) OnAutomationChanged(item automation.Automation) error {
	if err := item.Validate(); err != nil {
		return err
	}
	s.changed = append(s.changed, item)
	return nil
}

func (s *stubEngine) OnAutomationRemoved(id string) {
	s.removed = append(s.removed, id)
}

func (s *stubEngine) ReloadAutomations(context.Context) error {
	s.reloaded++
	return nil
}

type stubStore struct {
	upserts []automation.Automation
	deletes []string
}

func (s *stubStore) Upsert(_ context.Context, item automation.Automation) error {
	s.upserts = append(s.upserts, item)
	return nil
}

func (s *stubStore) Delete(_ context.Context, id string) error {
	s.deletes = append(s.deletes, id)
	return nil
}

const automationJSON = `{
	"id": "auto-1",
	"name": "Pump overheat",
	"enabled": true,
	"triggers": [{
		"id": "trg-1",
		"meter_id": "meter-1",
		"conditions": [{"operator": "gt", "value": 80}],
		"scope": {"type": "one_reading"}
	}],
	"actions": [{
		"type": "create_work_order",
		"work_order": {"title": "Inspect pump"},
		"only_if_previous_closed": true
	}]
}`

func TestHandler_UpsertStoresAndPublishes(t *testing.T) {
	engine := &stubEngine{}
	store := &stubStore{}
	handler, err := NewHandler(engine, store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/automations", strings.NewReader(automationJSON))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(store.upserts) != 1 || store.upserts[0].ID != "auto-1" {
		t.Fatalf("expected stored automation, got %+v", store.upserts)
	}
	if len(engine.changed) != 1 {
		t.Fatalf("expected engine publish, got %d", len(engine.changed))
	}
	action := engine.changed[0].Actions[0]
	if !action.OnlyIfPreviousClosed {
		t.Fatal("expected only_if_previous_closed to decode")
	}
}

func TestHandler_UpsertRejectsInvalid(t *testing.T) {
	engine := &stubEngine{}
	handler, _ := NewHandler(engine, &stubStore{}, nil)

	cases := []string{
		`{"id":"auto-1"}`,
		`{"id":"auto-1","name":"x","triggers":[{"id":"t","meter_id":"m","conditions":[{"operator":"above","value":1}],"scope":{"type":"one_reading"}}],"actions":[{"type":"create_work_order","work_order":{"title":"t"}}]}`,
		`not json`,
	}
	for i, body := range cases {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/automations", strings.NewReader(body))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, resp.Code)
		}
	}
	if len(engine.changed) != 0 {
		t.Fatal("invalid automations must not reach the engine")
	}
}

func TestHandler_DeleteUnpublishes(t *testing.T) {
	engine := &stubEngine{}
	store := &stubStore{}
	handler, _ := NewHandler(engine, store, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/automations/auto-1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if len(store.deletes) != 1 || store.deletes[0] != "auto-1" {
		t.Fatalf("expected store delete, got %v", store.deletes)
	}
	if len(engine.removed) != 1 || engine.removed[0] != "auto-1" {
		t.Fatalf("expected engine removal, got %v", engine.removed)
	}
}

func TestHandler_Reload(t *testing.T) {
	engine := &stubEngine{}
	handler, _ := NewHandler(engine, &stubStore{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/automations/reload", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if engine.reloaded != 1 {
		t.Fatalf("expected 1 reload, got %d", engine.reloaded)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	handler, _ := NewHandler(&stubEngine{}, &stubStore{}, nil)
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/automations", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

package application

import (
	"testing"

	automation "cmms-automation/internal/automation/domain"
)

func snapshotAutomation(id, meterID string, enabled bool, window int) automation.Automation {
	scope := automation.Scope{Type: automation.ScopeOneReading}
	if window > 0 {
		scope = automation.Scope{Type: automation.ScopeMultipleReadings, MatchCount: 1, WindowSize: window}
	}
	return automation.Automation{
		ID:      id,
		Name:    "Automation " + id,
		Enabled: enabled,
		Triggers: []automation.TriggerSpec{{
			ID:         id + "-trg",
			MeterID:    meterID,
			Conditions: []automation.Condition{{Operator: automation.OperatorGreater, Value: 10}},
			Scope:      scope,
		}},
		Actions: []automation.ActionSpec{{Type: automation.ActionChangeAssetStatus, AssetStatus: "down"}},
	}
}

func TestRegistry_DisabledExcludedButFingerprinted(t *testing.T) {
	registry := NewRegistry()
	snap := registry.Replace([]automation.Automation{
		snapshotAutomation("auto-1", "meter-1", true, 0),
		snapshotAutomation("auto-2", "meter-1", false, 0),
	})

	bound := snap.TriggersForMeter("meter-1")
	if len(bound) != 1 || bound[0].Automation.ID != "auto-1" {
		t.Fatalf("expected only the enabled automation bound, got %d", len(bound))
	}
	// Disabled triggers keep a fingerprint so their state is not pruned.
	if snap.Fingerprint("auto-2-trg") == "" {
		t.Fatal("disabled trigger must keep its fingerprint")
	}
	if snap.Fingerprint("auto-3-trg") != "" {
		t.Fatal("unknown trigger must have no fingerprint")
	}
}

func TestSnapshot_WindowSizeIsLargestNeed(t *testing.T) {
	registry := NewRegistry()
	snap := registry.Replace([]automation.Automation{
		snapshotAutomation("auto-1", "meter-1", true, 3),
		snapshotAutomation("auto-2", "meter-1", true, 7),
		snapshotAutomation("auto-3", "meter-2", true, 0),
	})

	if got := snap.WindowSize("meter-1"); got != 7 {
		t.Fatalf("expected window 7, got %d", got)
	}
	if got := snap.WindowSize("meter-2"); got != 1 {
		t.Fatalf("expected minimum window 1, got %d", got)
	}
	if got := snap.WindowSize("unknown"); got != 1 {
		t.Fatalf("expected minimum window 1 for unknown meter, got %d", got)
	}
}

func TestRegistry_UpsertAndRemovePublishNewSnapshots(t *testing.T) {
	registry := NewRegistry()
	first := registry.Upsert(snapshotAutomation("auto-1", "meter-1", true, 0))
	if len(first.TriggersForMeter("meter-1")) != 1 {
		t.Fatal("expected trigger after upsert")
	}

	second := registry.Remove("auto-1")
	if len(second.TriggersForMeter("meter-1")) != 0 {
		t.Fatal("expected no triggers after remove")
	}
	// The earlier snapshot is immutable.
	if len(first.TriggersForMeter("meter-1")) != 1 {
		t.Fatal("published snapshots must not change")
	}
	if registry.Current() != second {
		t.Fatal("current must be the latest published snapshot")
	}
}

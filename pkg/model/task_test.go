package model

import (
	"slices"
	"testing"
)

func TestTask_CapabilityKeys(t *testing.T) {
	task := &Task{Capabilities: []Capability{
		{Type: "http", Criteria: "https://git.example.com"},
		{Criteria: "docker"},
	}}
	want := []string{"http:https://git.example.com", "docker"}
	if got := task.CapabilityKeys(); !slices.Equal(got, want) {
		t.Errorf("CapabilityKeys() = %v, want %v", got, want)
	}
	if task.IsAssigned() {
		t.Error("IsAssigned() = true for unclaimed task")
	}
}

func TestAgent_DisplayName(t *testing.T) {
	if got := (&Agent{ID: "agt_1", HostName: "build-01"}).DisplayName(); got != "build-01" {
		t.Errorf("DisplayName() = %q, want build-01", got)
	}
	if got := (&Agent{ID: "agt_1"}).DisplayName(); got != "agt_1" {
		t.Errorf("DisplayName() = %q, want agt_1", got)
	}
}

func TestListOptions_Clamp(t *testing.T) {
	opts := ListOptions{Limit: 500, Offset: -1, Status: TaskStatusStarted}
	opts.Clamp()
	if opts.Limit != 100 || opts.Offset != 0 {
		t.Errorf("Clamp() = %+v", opts)
	}
	if opts.Status != TaskStatusStarted {
		t.Errorf("Status filter lost: %q", opts.Status)
	}
	if d := DefaultListOptions(); d.Limit != 20 {
		t.Errorf("default Limit = %d, want 20", d.Limit)
	}
}

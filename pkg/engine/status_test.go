package engine

import (
	"encoding/json"
	"testing"
)

func TestUpdateStateJSON(t *testing.T) {
	var s UpdateState
	if err := json.Unmarshal([]byte(`"committing"`), &s); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if s != UpdateStateCommitting {
		t.Errorf("state = %s, want committing", s)
	}
	if !s.IsActive() {
		t.Error("committing updates are active")
	}

	if err := json.Unmarshal([]byte(`"failed"`), &s); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestSplitRelationshipEntityID(t *testing.T) {
	tests := []struct {
		in     string
		source string
		target string
		ok     bool
	}{
		{"old_site:server2", "old_site", "server2", true},
		{"a:b:c", "a", "b:c", true},
		{"old_site", "", "", false},
		{":server", "", "", false},
		{"site:", "", "", false},
	}
	for _, tt := range tests {
		source, target, ok := SplitRelationshipEntityID(tt.in)
		if source != tt.source || target != tt.target || ok != tt.ok {
			t.Errorf("SplitRelationshipEntityID(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, source, target, ok, tt.source, tt.target, tt.ok)
		}
	}
	if got := RelationshipEntityID("a", "b"); got != "a:b" {
		t.Errorf("RelationshipEntityID() = %q", got)
	}
}

func TestCategoryParameterPrefix(t *testing.T) {
	want := map[Category]string{
		CategoryAdded:    "added",
		CategoryExtended: "extended",
		CategoryReduced:  "reduced",
		CategoryDeleted:  "removed",
	}
	for c, prefix := range want {
		if got := c.ParameterPrefix(); got != prefix {
			t.Errorf("%s.ParameterPrefix() = %q, want %q", c, got, prefix)
		}
	}
}

func TestDefaultUpdateWorkflowDeclaresParameters(t *testing.T) {
	wf, ok := DefaultWorkflows()[WorkflowUpdate]
	if !ok {
		t.Fatal("update workflow missing")
	}
	if _, ok := wf.Parameters[UpdateIDParameter]; !ok {
		t.Error("update_id not declared")
	}
	if wf.Parameters[UpdateIDParameter].Default != nil {
		t.Error("update_id must be mandatory")
	}
	for _, c := range Categories {
		if _, ok := wf.Parameters[InstanceIDsParameter(c)]; !ok {
			t.Errorf("%s not declared", InstanceIDsParameter(c))
		}
		if _, ok := wf.Parameters[RelatedInstanceIDsParameter(c)]; !ok {
			t.Errorf("%s not declared", RelatedInstanceIDsParameter(c))
		}
	}
}

func TestRelationshipIsA(t *testing.T) {
	r := Relationship{
		Type:          "app.relationships.hosted_on",
		TypeHierarchy: []string{RelationshipDependsOn, RelationshipContainedIn, "app.relationships.hosted_on"},
	}
	if !r.IsA(RelationshipContainedIn) {
		t.Error("expected contained_in via hierarchy")
	}
	if r.IsA(RelationshipConnectedTo) {
		t.Error("not a connected_to")
	}
}

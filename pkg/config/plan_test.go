package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const cuePlan = `
_compute: "cloudify.nodes.Compute"

nodes: [
	{
		id:   "vm"
		type: _compute
		number_of_instances: 2
	},
	{
		id:   "web"
		type: "cloudify.nodes.WebServer"
		properties: port: 8080
		host_id: "vm"
		relationships: [{
			target_id: "vm"
			type:      "cloudify.relationships.contained_in"
		}]
	},
]

workflows: scale: {
	operation: "default_workflows.scale"
	parameters: {
		node_id: {}
		delta: default: 1
	}
}
`

const yamlPlan = `
nodes:
  - id: vm
    type: cloudify.nodes.Compute
  - id: web
    type: cloudify.nodes.WebServer
    relationships:
      - target_id: vm
        type: cloudify.relationships.connected_to
workflow_plugins_to_install:
  - name: scaling
    package_name: scaling
    package_version: "1.2"
`

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write plan: %v", err)
	}
	return path
}

func TestLoadPlan_CUE(t *testing.T) {
	plan, err := LoadPlan(writePlan(t, "plan.cue", cuePlan))
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}

	if len(plan.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(plan.Nodes))
	}
	vm, web := plan.Nodes[0], plan.Nodes[1]
	if vm.Type != "cloudify.nodes.Compute" || vm.NumberOfInstances == nil || *vm.NumberOfInstances != 2 {
		t.Errorf("unexpected vm: %+v", vm)
	}
	if web.HostID != "vm" || len(web.Relationships) != 1 {
		t.Errorf("unexpected web: %+v", web)
	}
	if port, ok := web.Properties["port"]; !ok || port == nil {
		t.Errorf("expected port property, got %v", web.Properties)
	}

	scale, ok := plan.Workflows["scale"]
	if !ok || scale.Operation != "default_workflows.scale" {
		t.Fatalf("unexpected workflows: %+v", plan.Workflows)
	}
	if scale.Parameters["node_id"].Default != nil {
		t.Error("node_id should have no default")
	}
	if scale.Parameters["delta"].Default == nil {
		t.Error("delta should default to 1")
	}
}

func TestLoadPlan_YAMLAndJSON(t *testing.T) {
	plan, err := LoadPlan(writePlan(t, "plan.yaml", yamlPlan))
	if err != nil {
		t.Fatalf("failed to load yaml plan: %v", err)
	}
	if len(plan.Nodes) != 2 || len(plan.WorkflowPlugins) != 1 || plan.WorkflowPlugins[0].PackageVersion != "1.2" {
		t.Errorf("unexpected plan: %+v", plan)
	}

	jsonPlan := `{"nodes": [{"id": "vm", "type": "cloudify.nodes.Compute", "max_number_of_instances": -1}]}`
	plan, err = LoadPlan(writePlan(t, "plan.json", jsonPlan))
	if err != nil {
		t.Fatalf("failed to load json plan: %v", err)
	}
	if len(plan.Nodes) != 1 || *plan.Nodes[0].MaxInstances != -1 {
		t.Errorf("unexpected plan: %+v", plan)
	}
}

func TestLoadPlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantMsg string
	}{
		{
			name:    "cue syntax",
			file:    "plan.cue",
			content: "nodes: [",
			wantMsg: "plan.cue",
		},
		{
			name:    "cue schema",
			file:    "plan.cue",
			content: `nodes: [{id: "vm"}]`,
			wantMsg: "type",
		},
		{
			name:    "cue unknown field",
			file:    "plan.cue",
			content: "nodes: []\nextra: 1",
			wantMsg: "extra",
		},
		{
			name:    "yaml unknown field",
			file:    "plan.yaml",
			content: "nodes: []\nbogus: true\n",
			wantMsg: "bogus",
		},
		{
			name:    "json schema",
			file:    "plan.json",
			content: `{"nodes": [{"id": "vm", "type": "t", "number_of_instances": -3}]}`,
			wantMsg: "plan.json",
		},
		{
			name:    "dangling relationship",
			file:    "plan.yaml",
			content: "nodes:\n  - id: web\n    type: t\n    relationships:\n      - target_id: db\n        type: r\n",
			wantMsg: `nodes[0].relationships[0].target_id: unknown target node "db"`,
		},
		{
			name:    "unsupported extension",
			file:    "plan.toml",
			content: "",
			wantMsg: "unsupported plan format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPlan(writePlan(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}

	if _, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestValidatePlan(t *testing.T) {
	loader := NewPlanLoader()
	content := `
nodes:
  - id: vm
    type: t
  - id: vm
    type: t
  - id: web
    type: t
    host_id: ghost
    min_number_of_instances: 3
    max_number_of_instances: 2
`
	_, err := loader.ParseYAML("plan.yaml", []byte(content))

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %v", errs)
	}
	for _, want := range []string{"nodes[1].id", "nodes[2].host_id", "nodes[2]"} {
		found := false
		for _, e := range errs {
			if e.Path == want && e.File == "plan.yaml" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected an error at %s, got %v", want, errs)
		}
	}
}

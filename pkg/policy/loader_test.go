package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

const protectDatabasesRego = `# Databases are never removed by an update.
# Remove them with a dedicated workflow instead.
# severity: critical
package depup.custom.databases

import rego.v1

deny contains msg if {
	input.step.action == "remove"
	input.step.entity_type == "node"
	input.source_node.type == "app.nodes.Database"
	msg := sprintf("database %s cannot be removed", [input.step.entity_id])
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "protect-databases.rego")
	writeFile(t, path, protectDatabasesRego)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "protect-databases" {
		t.Errorf("Expected name 'protect-databases', got '%s'", policy.Name)
	}
	if policy.Description != "Databases are never removed by an update. Remove them with a dedicated workflow instead." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", policy.Severity)
	}
	if !policy.Enabled || policy.Source != path {
		t.Errorf("Unexpected policy: %+v", policy)
	}

	// A second load is served from the cache.
	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	if _, err := loader.loadFromFile(path); err != nil {
		t.Errorf("Expected a cached policy, got %v", err)
	}
	loader.Invalidate(path)
	if _, err := loader.loadFromFile(path); err == nil {
		t.Error("Expected an error after invalidation")
	}
}

func TestLoadFromFile_Documents(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	tests := []struct {
		name     string
		file     string
		content  string
		wantErr  bool
		severity Severity
		enabled  bool
	}{
		{
			name:     "json",
			file:     "p.json",
			content:  `{"name": "json-policy", "rego": "package a", "severity": "warning"}`,
			severity: SeverityWarning,
			enabled:  true,
		},
		{
			name:     "yaml",
			file:     "p.yaml",
			content:  "name: yaml-policy\nenabled: false\nrego: |\n  package b\n",
			severity: SeverityError,
			enabled:  false,
		},
		{
			name:    "missing name",
			file:    "nameless.json",
			content: `{"rego": "package c"}`,
			wantErr: true,
		},
		{
			name:    "missing rego",
			file:    "empty.yml",
			content: "name: empty\n",
			wantErr: true,
		},
		{
			name:    "malformed",
			file:    "bad.json",
			content: `{"name":`,
			wantErr: true,
		},
		{
			name:    "unsupported",
			file:    "p.txt",
			content: "package d",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)

			policy, err := loader.loadFromFile(path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected an error, got %+v", policy)
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to load policy: %v", err)
			}
			if policy.Severity != tt.severity || policy.Enabled != tt.enabled {
				t.Errorf("Unexpected policy: %+v", policy)
			}
		})
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "b.rego"), "package b\n")
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), "package a\n")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "README.md"), "# policies")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 || policies[0].Name != "a" || policies[1].Name != "b" {
		t.Errorf("Unexpected policies: %+v", policies)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "protect-databases.rego"), protectDatabasesRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	decision, err := eng.ReviewStep(context.Background(), &engine.StepReview{
		Step:       engine.StepRequest{Operation: engine.StepOperationRemove, EntityType: engine.EntityTypeNode, EntityID: "db"},
		SourceNode: &engine.NodeDefinition{ID: "db", Type: "app.nodes.Database"},
	})
	if err != nil {
		t.Fatalf("ReviewStep failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected the loaded policy to block")
	}
	if decision.Violations[0] != "protect-databases: database db cannot be removed" {
		t.Errorf("Unexpected violation: %s", decision.Violations[0])
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		content     string
		description string
		severity    Severity
	}{
		{content: "package x", description: "", severity: ""},
		{content: "\n# One line.\npackage x\n# not header", description: "One line.", severity: ""},
		{content: "# severity: warning\n#\n# Advisory.\npackage x", description: "Advisory.", severity: SeverityWarning},
	}

	for _, tt := range tests {
		description, severity := parseHeader(tt.content)
		if description != tt.description || severity != tt.severity {
			t.Errorf("parseHeader(%q) = %q, %q", tt.content, description, severity)
		}
	}
}

func TestWatcherReload(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), "package depup.test.first\n")

	w, err := NewWatcher(eng, []string{dir}, zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if _, err := eng.GetPolicy("first"); err != nil {
		t.Fatalf("Expected first policy: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, filepath.Join(dir, "second.rego"), "package depup.test.second\n")

	deadline := time.Now().Add(5 * time.Second)
	for w.Reloads() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for reload")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Errorf("Expected second policy after reload: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned error: %v", err)
	}
}

func TestNewWatcherMissingPath(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := NewWatcher(eng, []string{filepath.Join(t.TempDir(), "missing")}, zerolog.New(nil)); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

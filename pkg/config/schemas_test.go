package config

import (
	"testing"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Custom: {
	field1: string
	field2: int
}
`

	if err := sr.RegisterSchema("custom", customSchema, "#Custom"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	if err := sr.RegisterSchema("broken", "#X: {", "#X"); err == nil {
		t.Error("expected a compile error")
	}
	if err := sr.RegisterSchema("missing", customSchema, "#Other"); err == nil {
		t.Error("expected an error for an undefined definition")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{SchemaNode, SchemaPlan, SchemaPlugin, SchemaRelationship, SchemaWorkflow}
	got := sr.ListSchemas()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestSchemaRegistry_ValidateNode(t *testing.T) {
	sr := NewSchemaRegistry()
	two, unbounded := 2, -1

	tests := []struct {
		name    string
		node    engine.NodeDefinition
		wantErr bool
	}{
		{
			name: "valid node",
			node: engine.NodeDefinition{
				ID:                "web_1",
				Type:              "cloudify.nodes.WebServer",
				Properties:        map[string]interface{}{"port": 8080},
				NumberOfInstances: &two,
				MaxInstances:      &unbounded,
				Relationships: []engine.Relationship{
					{TargetID: "vm", Type: engine.RelationshipContainedIn},
				},
			},
		},
		{
			name:    "bad id",
			node:    engine.NodeDefinition{ID: "web server", Type: "t"},
			wantErr: true,
		},
		{
			name:    "missing type",
			node:    engine.NodeDefinition{ID: "web"},
			wantErr: true,
		},
		{
			name: "untyped relationship",
			node: engine.NodeDefinition{ID: "web", Type: "t", Relationships: []engine.Relationship{
				{TargetID: "vm"},
			}},
			wantErr: true,
		},
		{
			name: "unknown executor",
			node: engine.NodeDefinition{ID: "web", Type: "t", Plugins: []engine.Plugin{
				{Name: "p", Executor: "somewhere"},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(SchemaNode, tt.node)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema("missing", struct{}{}); err == nil {
		t.Error("expected an error for an unknown schema")
	}
}

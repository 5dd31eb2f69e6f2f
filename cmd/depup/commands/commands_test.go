package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/deployupdate/pkg/config"
	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/workflows"
)

const basePlan = `
nodes:
  - id: vm
    type: cloudify.nodes.Compute
  - id: web
    type: cloudify.nodes.WebServer
    relationships:
      - target_id: vm
        type: cloudify.relationships.contained_in
`

const extendedPlan = `
nodes:
  - id: vm
    type: cloudify.nodes.Compute
  - id: db
    type: cloudify.nodes.Database
    relationships:
      - target_id: vm
        type: cloudify.relationships.contained_in
  - id: web
    type: cloudify.nodes.WebServer
    relationships:
      - target_id: vm
        type: cloudify.relationships.contained_in
      - target_id: db
        type: cloudify.relationships.connected_to
`

// cli runs commands against one temporary database.
type cli struct {
	t  *testing.T
	db string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv(config.EnvDBPath, "")
	t.Setenv(config.EnvRedisAddr, "")
	t.Setenv(config.EnvLogLevel, "")
	return &cli{t: t, db: filepath.Join(t.TempDir(), "depup.db")}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	return c.runWithInput(strings.NewReader(""), args...)
}

func (c *cli) runWithInput(in io.Reader, args ...string) (string, error) {
	c.t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetIn(in)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db", c.db, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("depup %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func (c *cli) update(args ...string) *engine.DeploymentUpdate {
	c.t.Helper()
	out := c.mustRun(append(args, "--output", "json")...)
	var u engine.DeploymentUpdate
	if err := json.Unmarshal([]byte(out), &u); err != nil {
		c.t.Fatalf("failed to decode update: %v\n%s", err, out)
	}
	return &u
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestMigrate(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("migrate")
	if !strings.Contains(out, "schema version 1") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestUpdateLifecycle(t *testing.T) {
	c := newCLI(t)
	c.mustRun("deployment", "create", "web-prod", "--blueprint", "web", "--plan", writeFile(t, "v1.yaml", basePlan))

	staged := c.update("update", "stage", "web-prod", "--plan", writeFile(t, "v2.yaml", extendedPlan))
	if staged.State != engine.UpdateStateStaged || staged.DeploymentID != "web-prod" {
		t.Fatalf("unexpected staged update: %+v", staged)
	}

	c.mustRun("update", "add", staged.ID, "node", "db")
	c.mustRun("update", "add", staged.ID, "relationship", "web:db")

	if _, err := c.run("update", "add", staged.ID, "node", "cache"); err == nil {
		t.Error("expected a step on an entity missing from the plan to fail")
	}

	committed := c.update("update", "commit", staged.ID)
	if committed.State != engine.UpdateStateCommitted {
		t.Fatalf("expected the in-process workflow to finalize the update, got %s", committed.State)
	}
	if len(committed.Steps) != 2 || committed.ExecutionID == "" {
		t.Errorf("unexpected committed update: %+v", committed)
	}
	if committed.ModifiedNodeInstances[engine.CategoryAdded].IsEmpty() {
		t.Error("expected added instances for the new node")
	}

	shown := c.mustRun("update", "show", staged.ID)
	if !strings.Contains(shown, "committed") || !strings.Contains(shown, "web:db") {
		t.Errorf("unexpected show output: %s", shown)
	}

	out := c.mustRun("update", "list", "--deployment", "web-prod", "--output", "json")
	var list engine.UpdateList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("failed to decode list: %v\n%s", err, out)
	}
	if list.Metadata.Total != 1 || len(list.Items) != 1 || list.Items[0].ID != staged.ID {
		t.Errorf("unexpected list: %+v", list)
	}

	if _, err := c.run("update", "list", "--state", "running"); err == nil {
		t.Error("expected an unknown state filter to fail")
	}
}

func TestUpdateStepOnCommittedUpdate(t *testing.T) {
	c := newCLI(t)
	c.mustRun("deployment", "create", "web-prod", "--plan", writeFile(t, "v1.yaml", basePlan))
	u := c.update("update", "stage", "web-prod", "--plan", writeFile(t, "v2.yaml", extendedPlan))
	c.mustRun("update", "add", u.ID, "node", "db")
	c.mustRun("update", "commit", u.ID)

	if _, err := c.run("update", "add", u.ID, "relationship", "web:db"); err == nil {
		t.Error("expected steps on a committed update to be rejected")
	}
	again := c.update("update", "finalize", u.ID)
	if again.State != engine.UpdateStateCommitted {
		t.Errorf("finalize of a committed update should return it unchanged, got %s", again.State)
	}
}

func TestExecuteParameters(t *testing.T) {
	c := newCLI(t)
	c.mustRun("deployment", "create", "web-prod", "--plan", writeFile(t, "v1.yaml", basePlan))

	_, err := c.run("execute", "web-prod", "install", "--param", "force=true")
	if err == nil || !strings.Contains(err.Error(), "force") {
		t.Fatalf("expected the undeclared parameter to be rejected, got %v", err)
	}

	out := c.mustRun("execute", "web-prod", "install", "--param", "force=true", "--allow-custom", "--output", "json")
	var execution engine.Execution
	if err := json.Unmarshal([]byte(out), &execution); err != nil {
		t.Fatalf("failed to decode execution: %v\n%s", err, out)
	}
	if execution.Status != engine.ExecutionStatusTerminated {
		t.Errorf("expected terminated, got %s", execution.Status)
	}
	if execution.Parameters["force"] != true {
		t.Errorf("expected a boolean parameter, got %#v", execution.Parameters["force"])
	}

	if _, err := c.run("execute", "web-prod", "scale"); err == nil {
		t.Error("expected an unknown workflow to fail")
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "scalars", pairs: []string{"count=3", "force=true", "node=web"},
			want: map[string]interface{}{"count": 3, "force": true, "node": "web"}},
		{name: "empty value", pairs: []string{"note="}, want: map[string]interface{}{"note": ""}},
		{name: "value with equals", pairs: []string{"expr=a=b"}, want: map[string]interface{}{"expr": "a=b"}},
		{name: "missing separator", pairs: []string{"force"}, wantErr: true},
		{name: "missing key", pairs: []string{"=1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %#v, want %#v", k, got[k], v)
				}
			}
		})
	}
}

func TestWorkerStdinFinalizesUpdate(t *testing.T) {
	c := newCLI(t)
	c.mustRun("deployment", "create", "web-prod", "--plan", writeFile(t, "v1.yaml", basePlan))
	u := c.update("update", "stage", "web-prod", "--plan", writeFile(t, "v2.yaml", extendedPlan))
	c.mustRun("update", "add", u.ID, "node", "db")

	// Commit without running the queued request, as a remote runner would.
	ctx := context.Background()
	rt, err := openRuntime(ctx, &globalOptions{dbPath: c.db, logLevel: "error", output: "text"})
	if err != nil {
		t.Fatalf("failed to open runtime: %v", err)
	}
	committing, err := rt.manager.Commit(ctx, u.ID)
	rt.Close()
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if committing.State != engine.UpdateStateCommitting {
		t.Fatalf("expected committing, got %s", committing.State)
	}

	if _, err := c.run("worker"); err == nil {
		t.Error("expected the worker to require redis or --stdin")
	}

	var frames bytes.Buffer
	enc := workflows.NewEncoder(&frames)
	for _, status := range []engine.ExecutionStatus{engine.ExecutionStatusStarted, engine.ExecutionStatusTerminated} {
		if err := enc.EncodeCompletion(&engine.Completion{ExecutionID: committing.ExecutionID, Status: status}); err != nil {
			t.Fatalf("failed to encode completion: %v", err)
		}
	}
	if out, err := c.runWithInput(&frames, "worker", "--stdin"); err != nil {
		t.Fatalf("worker failed: %v\n%s", err, out)
	}

	finalized := c.update("update", "show", u.ID)
	if finalized.State != engine.UpdateStateCommitted {
		t.Errorf("expected the completion to finalize the update, got %s", finalized.State)
	}

	policies := c.mustRun("policy", "list", "--output", "json")
	if !strings.Contains(policies, "contained-in-protection") {
		t.Errorf("expected the built-in policies, got %s", policies)
	}
}

func TestPolicyBlocksContainedInRemoval(t *testing.T) {
	c := newCLI(t)
	c.mustRun("deployment", "create", "web-prod", "--plan", writeFile(t, "v1.yaml", basePlan))
	u := c.update("update", "stage", "web-prod", "--plan", writeFile(t, "v2.yaml", extendedPlan))

	_, err := c.run("update", "remove", u.ID, "relationship", "web:vm")
	if err == nil || !strings.Contains(err.Error(), "contained-in-protection") {
		t.Errorf("expected the contained_in removal to be blocked, got %v", err)
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	c := newCLI(t)
	if _, err := c.run("migrate", "--output", "yaml"); err == nil {
		t.Error("expected an unknown output format to fail")
	}
}

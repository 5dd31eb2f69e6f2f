package deployupdate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openfroyo/deployupdate/pkg/engine"
	"github.com/openfroyo/deployupdate/pkg/stores"
	"github.com/openfroyo/deployupdate/pkg/topology"
)

// recordingQueue captures enqueued requests.
type recordingQueue struct {
	mu       sync.Mutex
	requests []*engine.ExecutionRequest
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, req *engine.ExecutionRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

func (q *recordingQueue) last(t *testing.T) *engine.ExecutionRequest {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requests) == 0 {
		t.Fatal("no execution was enqueued")
	}
	return q.requests[len(q.requests)-1]
}

var errQueueDown = errors.New("queue unavailable")

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// staleStore serves a fixed snapshot of one update, as a caller that read
// the update before a concurrent transition would see it.
type staleStore struct {
	*stores.SQLiteStore
	snapshot *engine.DeploymentUpdate
}

func (s *staleStore) GetDeploymentUpdate(ctx context.Context, id string) (*engine.DeploymentUpdate, error) {
	if id != s.snapshot.ID {
		return s.SQLiteStore.GetDeploymentUpdate(ctx, id)
	}
	u := *s.snapshot
	u.Steps = append([]engine.Step(nil), s.snapshot.Steps...)
	return &u, nil
}

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupManager(t *testing.T, opts ...Option) (*Manager, *stores.SQLiteStore, *recordingQueue) {
	t.Helper()
	store := setupTestStore(t)
	queue := &recordingQueue{}
	return NewManager(store, topology.NewDiffer(), queue, opts...), store, queue
}

func intPtr(i int) *int { return &i }

// basePlan is the deployed topology: two hosts and a site connected to the second.
func basePlan() *engine.Plan {
	return &engine.Plan{
		Nodes: []engine.NodeDefinition{
			{
				ID:     "server",
				Type:   "cloudify.nodes.Compute",
				HostID: "server",
			},
			{
				ID:     "server2",
				Type:   "cloudify.nodes.Compute",
				HostID: "server2",
			},
			{
				ID:   "old_site",
				Type: "cloudify.nodes.WebServer",
				Relationships: []engine.Relationship{
					{TargetID: "server2", Type: engine.RelationshipConnectedTo},
				},
			},
		},
	}
}

// deploy creates deployment "dep" from basePlan.
func deploy(t *testing.T, mgr *Manager) {
	t.Helper()
	if _, err := mgr.CreateDeployment(context.Background(), "dep", "bp", basePlan()); err != nil {
		t.Fatalf("failed to create deployment: %v", err)
	}
}

func instancesOf(t *testing.T, store *stores.SQLiteStore, nodeID string) []*engine.NodeInstance {
	t.Helper()
	instances, err := store.ListNodeInstances(context.Background(), "dep", nodeID)
	if err != nil {
		t.Fatalf("failed to list node instances: %v", err)
	}
	return instances
}

func onlyInstance(t *testing.T, store *stores.SQLiteStore, nodeID string) *engine.NodeInstance {
	t.Helper()
	instances := instancesOf(t, store, nodeID)
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance of %s, got %d", nodeID, len(instances))
	}
	return instances[0]
}

func stringsParam(t *testing.T, params map[string]interface{}, name string) []string {
	t.Helper()
	v, ok := params[name]
	if !ok {
		t.Fatalf("parameter %s missing", name)
	}
	ids, ok := v.([]string)
	if !ok {
		t.Fatalf("parameter %s has type %T", name, v)
	}
	return ids
}

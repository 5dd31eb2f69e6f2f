package topology

import (
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

func node(id string, count int, rels ...engine.Relationship) *engine.Node {
	return &engine.Node{ID: id, DeploymentID: "dep", NumberOfInstances: count, Relationships: rels}
}

func rel(target, typ string) engine.Relationship {
	return engine.Relationship{TargetID: target, Type: typ}
}

func instance(id, nodeID string, rels ...engine.Relationship) *engine.NodeInstance {
	return &engine.NodeInstance{ID: id, NodeID: nodeID, DeploymentID: "dep", Version: 1, Relationships: rels}
}

func instRel(targetID, targetNode, typ string) engine.Relationship {
	return engine.Relationship{TargetID: targetID, TargetName: targetNode, Type: typ}
}

func ids(cis []engine.ClassifiedInstance) []string {
	out := make([]string, 0, len(cis))
	for _, ci := range cis {
		out = append(out, ci.ID)
	}
	return out
}

func TestDiffMaterializesNewDeployment(t *testing.T) {
	host := node("host", 2)
	host.HostID = "host"
	nodes := []*engine.Node{
		host,
		node("app", 2, rel("host", engine.RelationshipContainedIn)),
		node("db", 1, rel("host", engine.RelationshipConnectedTo)),
	}

	c, err := NewDiffer().Diff(nodes, nil, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	added := c[engine.CategoryAdded]
	if len(added.Affected) != 5 {
		t.Fatalf("expected 5 new instances, got %d", len(added.Affected))
	}
	if len(added.Related) != 0 {
		t.Errorf("fresh targets must not be related, got %v", ids(added.Related))
	}

	byNode := map[string][]engine.ClassifiedInstance{}
	for _, ci := range added.Affected {
		if ci.Modification != engine.ModificationAdded || ci.State != InitialInstanceState {
			t.Errorf("unexpected instance %+v", ci)
		}
		if !strings.HasPrefix(ci.ID, ci.NodeID+"_") || len(ci.ID) != len(ci.NodeID)+1+suffixLength {
			t.Errorf("unexpected instance id %s", ci.ID)
		}
		byNode[ci.NodeID] = append(byNode[ci.NodeID], ci)
	}

	hosts := map[string]bool{}
	for _, ci := range byNode["host"] {
		if ci.HostID != ci.ID {
			t.Errorf("host %s must host itself, got %s", ci.ID, ci.HostID)
		}
		hosts[ci.ID] = true
	}

	// contained_in picks one host per instance by position.
	seen := map[string]bool{}
	for _, ci := range byNode["app"] {
		if len(ci.Relationships) != 1 {
			t.Fatalf("app instance %s: expected 1 relationship, got %d", ci.ID, len(ci.Relationships))
		}
		target := ci.Relationships[0].TargetID
		if !hosts[target] || ci.Relationships[0].TargetName != "host" {
			t.Errorf("app instance %s contained in %s", ci.ID, target)
		}
		if ci.HostID != target {
			t.Errorf("app instance %s: expected host %s, got %s", ci.ID, target, ci.HostID)
		}
		seen[target] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected app instances spread over both hosts, got %v", seen)
	}

	// Other relationship types connect to every target instance.
	if db := byNode["db"]; len(db) != 1 || len(db[0].Relationships) != 2 {
		t.Errorf("expected db connected to both hosts, got %+v", db)
	}
}

func TestDiffIsDeterministic(t *testing.T) {
	nodes := func() []*engine.Node {
		return []*engine.Node{
			node("web", 3, rel("vm", engine.RelationshipContainedIn)),
			node("vm", 2),
		}
	}
	previous := []*engine.NodeInstance{instance("vm_1", "vm"), instance("vm_2", "vm")}

	first, err := NewDiffer().Diff(nodes(), previous, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	second, err := NewDiffer().Diff(nodes(), previous, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("diff is not deterministic:\n%+v\n%+v", first, second)
	}

	// Existing hosts are related to the added bucket.
	if got := ids(first[engine.CategoryAdded].Related); !reflect.DeepEqual(got, []string{"vm_1", "vm_2"}) {
		t.Errorf("unexpected related ids: %v", got)
	}
}

func TestDiffNoChanges(t *testing.T) {
	nodes := []*engine.Node{
		node("vm", 1),
		node("web", 1, rel("vm", engine.RelationshipContainedIn)),
	}
	previous := []*engine.NodeInstance{
		instance("vm_1", "vm"),
		instance("web_1", "web", instRel("vm_1", "vm", engine.RelationshipContainedIn)),
	}
	c, err := NewDiffer().Diff(nodes, previous, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if !c.IsEmpty() {
		t.Errorf("expected empty classification, got %+v", c)
	}
}

func TestDiffExtendedAndReduced(t *testing.T) {
	nodes := []*engine.Node{
		node("vm", 1),
		node("cache", 1),
		node("web", 1,
			rel("vm", engine.RelationshipContainedIn),
			rel("cache", engine.RelationshipConnectedTo)),
		node("worker", 1, rel("vm", engine.RelationshipContainedIn)),
	}
	previous := []*engine.NodeInstance{
		instance("cache_1", "cache"),
		instance("vm_1", "vm"),
		instance("web_1", "web", instRel("vm_1", "vm", engine.RelationshipContainedIn)),
		instance("worker_1", "worker",
			instRel("vm_1", "vm", engine.RelationshipContainedIn),
			instRel("cache_1", "cache", engine.RelationshipConnectedTo)),
	}

	c, err := NewDiffer().Diff(nodes, previous, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if _, ok := c[engine.CategoryAdded]; ok {
		t.Errorf("unexpected added bucket: %+v", c[engine.CategoryAdded])
	}

	extended := c[engine.CategoryExtended]
	if got := ids(extended.Affected); !reflect.DeepEqual(got, []string{"web_1"}) {
		t.Fatalf("unexpected extended ids: %v", got)
	}
	if n := len(extended.Affected[0].Relationships); n != 2 {
		t.Errorf("extended instance must carry its full set, got %d relationships", n)
	}
	if extended.Affected[0].Version != 1 {
		t.Errorf("extended instance must carry the version it was read at")
	}
	if got := ids(extended.Related); !reflect.DeepEqual(got, []string{"cache_1"}) {
		t.Errorf("unexpected extended related ids: %v", got)
	}

	reduced := c[engine.CategoryReduced]
	if got := ids(reduced.Affected); !reflect.DeepEqual(got, []string{"worker_1"}) {
		t.Fatalf("unexpected reduced ids: %v", got)
	}
	final := reduced.Affected[0].Relationships
	if len(final) != 1 || final[0].TargetID != "vm_1" {
		t.Errorf("reduced instance must carry its final set, got %+v", final)
	}
	if got := ids(reduced.Related); !reflect.DeepEqual(got, []string{"cache_1"}) {
		t.Errorf("unexpected reduced related ids: %v", got)
	}
}

func TestDiffGainToFreshInstancesIsAdded(t *testing.T) {
	nodes := []*engine.Node{
		node("db", 2),
		node("site", 1, rel("db", engine.RelationshipConnectedTo)),
	}
	previous := []*engine.NodeInstance{instance("site_1", "site")}

	c, err := NewDiffer().Diff(nodes, previous, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if _, ok := c[engine.CategoryExtended]; ok {
		t.Errorf("gains towards new instances must not be extended: %+v", c[engine.CategoryExtended])
	}
	added := c[engine.CategoryAdded]
	if len(added.Affected) != 2 {
		t.Fatalf("expected 2 new db instances, got %d", len(added.Affected))
	}
	if len(added.Related) != 1 || added.Related[0].ID != "site_1" {
		t.Fatalf("expected site_1 related, got %v", ids(added.Related))
	}
	if n := len(added.Related[0].Relationships); n != 2 {
		t.Errorf("expected site_1 to carry 2 gains, got %d", n)
	}
}

func TestDiffDeletedNode(t *testing.T) {
	nodes := []*engine.Node{node("vm", 1), node("monitor", 1)}
	previous := []*engine.NodeInstance{
		instance("vm_1", "vm"),
		instance("web_1", "web", instRel("vm_1", "vm", engine.RelationshipContainedIn)),
		instance("monitor_1", "monitor", instRel("web_1", "web", engine.RelationshipDependsOn)),
	}

	c, err := NewDiffer().Diff(nodes, previous, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	deleted := c[engine.CategoryDeleted]
	if len(deleted.Affected) != 1 || deleted.Affected[0].Modification != engine.ModificationRemoved {
		t.Fatalf("unexpected deleted bucket: %+v", deleted)
	}
	if got := ids(deleted.Related); !reflect.DeepEqual(got, []string{"monitor_1", "vm_1"}) {
		t.Errorf("unexpected deleted related ids: %v", got)
	}
}

func TestDiffRejectsDuplicateNodes(t *testing.T) {
	_, err := NewDiffer().Diff([]*engine.Node{node("vm", 1), node("vm", 2)}, nil, nil)
	if err == nil {
		t.Fatal("expected error for duplicate node definitions")
	}
}

func TestDiffAvoidsIDCollisions(t *testing.T) {
	// Pre-compute the id the differ would pick first and occupy it.
	taken := (&graph{used: map[string]bool{}}).newInstanceID("app", 0)
	nodes := []*engine.Node{node("app", 1), node("other", 1)}
	previous := []*engine.NodeInstance{instance(taken, "other")}

	c, err := NewDiffer().Diff(nodes, previous, nil)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	for _, ci := range c[engine.CategoryAdded].Affected {
		if ci.ID == taken {
			t.Fatalf("new instance reused id %s", taken)
		}
	}
}

func TestDiffScalingGroups(t *testing.T) {
	groups := []engine.ScalingGroup{{Name: "pair", Members: []string{"vm"}}}
	c, err := NewDiffer().Diff([]*engine.Node{node("vm", 2)}, nil, groups)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	refs := map[string]bool{}
	for _, ci := range c[engine.CategoryAdded].Affected {
		if len(ci.ScalingGroups) != 1 || ci.ScalingGroups[0].Name != "pair" {
			t.Fatalf("unexpected scaling groups: %+v", ci.ScalingGroups)
		}
		refs[ci.ScalingGroups[0].ID] = true
	}
	if len(refs) != 2 {
		t.Errorf("expected one group instance per position, got %v", refs)
	}
}

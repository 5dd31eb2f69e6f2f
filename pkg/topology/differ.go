// Package topology derives instance-level deltas from node definitions.
package topology

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// InitialInstanceState is the state of instances the differ creates.
const InitialInstanceState = "uninitialized"

const suffixLength = 6

// Differ is a deterministic engine.Differ. Given the same inputs it always
// produces the same classification, including the ids of new instances.
type Differ struct{}

// NewDiffer returns a Differ.
func NewDiffer() *Differ {
	return &Differ{}
}

var _ engine.Differ = (*Differ)(nil)

// relKey identifies a relationship by target node and type.
type relKey struct {
	target string
	typ    string
}

// graph is the working state of one Diff call.
type graph struct {
	nodes     map[string]*engine.Node
	instances map[string][]*engine.NodeInstance // by node id, sorted by instance id
	byID      map[string]*engine.NodeInstance
	fresh     map[string]bool // instance ids created by this diff
	used      map[string]bool
}

// Diff classifies how previous must change to match newNodes.
//
// New nodes get NumberOfInstances fresh instances wired to the current target
// instances: contained_in relationships pick one target by position, every
// other type connects to all target instances. Existing instances gain the
// relationships their node declares and they lack, and lose the ones their
// node no longer declares. Instances of nodes absent from newNodes are
// deleted.
func (d *Differ) Diff(newNodes []*engine.Node, previous []*engine.NodeInstance, groups []engine.ScalingGroup) (engine.Classification, error) {
	g := &graph{
		nodes:     make(map[string]*engine.Node, len(newNodes)),
		instances: make(map[string][]*engine.NodeInstance),
		byID:      make(map[string]*engine.NodeInstance),
		fresh:     make(map[string]bool),
		used:      make(map[string]bool),
	}
	for _, n := range newNodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node definition: %s", n.ID)
		}
		g.nodes[n.ID] = n
	}

	prev := make([]*engine.NodeInstance, len(previous))
	copy(prev, previous)
	sort.Slice(prev, func(i, j int) bool { return prev[i].ID < prev[j].ID })
	for _, ni := range prev {
		g.used[ni.ID] = true
		g.byID[ni.ID] = ni
		g.instances[ni.NodeID] = append(g.instances[ni.NodeID], ni)
	}

	nodeIDs := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	// Materialize instances of nodes that have none.
	var created []*engine.NodeInstance
	for _, id := range nodeIDs {
		if len(g.instances[id]) > 0 {
			continue
		}
		n := g.nodes[id]
		for i := 0; i < n.NumberOfInstances; i++ {
			ni := &engine.NodeInstance{
				ID:                g.newInstanceID(id, i),
				NodeID:            id,
				DeploymentID:      n.DeploymentID,
				State:             InitialInstanceState,
				RuntimeProperties: map[string]interface{}{},
				Relationships:     []engine.Relationship{},
				ScalingGroups:     scalingGroupRefs(groups, id, i),
			}
			g.fresh[ni.ID] = true
			g.byID[ni.ID] = ni
			g.instances[id] = append(g.instances[id], ni)
			created = append(created, ni)
		}
	}

	added := newBucket()
	extended := newBucket()
	reduced := newBucket()
	deleted := newBucket()

	for _, ni := range created {
		n := g.nodes[ni.NodeID]
		idx := indexOf(g.instances[ni.NodeID], ni.ID)
		for _, r := range n.Relationships {
			entries := g.resolve(r, idx)
			ni.Relationships = append(ni.Relationships, entries...)
			for _, e := range entries {
				if !g.fresh[e.TargetID] {
					added.relate(g.byID[e.TargetID], nil)
				}
			}
		}
	}
	for _, ni := range created {
		ni.HostID = g.hostOf(ni, map[string]bool{})
		added.affect(ni, engine.ModificationAdded)
	}

	for _, ni := range prev {
		n, ok := g.nodes[ni.NodeID]
		if !ok {
			deleted.affect(ni, engine.ModificationRemoved)
			continue
		}

		have := make(map[relKey]bool, len(ni.Relationships))
		for _, r := range ni.Relationships {
			have[relKey{r.TargetName, r.Type}] = true
		}
		want := make(map[relKey]bool, len(n.Relationships))
		idx := indexOf(g.instances[ni.NodeID], ni.ID)

		var gained []engine.Relationship
		gainsFresh := false
		for _, r := range n.Relationships {
			if _, ok := g.nodes[r.TargetID]; !ok {
				continue
			}
			k := relKey{r.TargetID, r.Type}
			want[k] = true
			if have[k] {
				continue
			}
			for _, e := range g.resolve(r, idx) {
				gained = append(gained, e)
				if g.fresh[e.TargetID] {
					gainsFresh = true
				}
			}
		}

		var kept, dropped []engine.Relationship
		for _, r := range ni.Relationships {
			if want[relKey{r.TargetName, r.Type}] {
				kept = append(kept, r)
			} else {
				dropped = append(dropped, r)
			}
		}

		if len(gained) > 0 {
			if gainsFresh {
				added.relate(ni, gained)
			} else {
				full := append(cloneRelationships(ni.Relationships), gained...)
				extended.affectWith(ni, full, engine.ModificationExtended)
			}
			for _, e := range gained {
				if !g.fresh[e.TargetID] {
					extendedOrAdded(added, extended, gainsFresh).relate(g.byID[e.TargetID], nil)
				}
			}
		}
		if len(dropped) > 0 {
			final := append(cloneRelationships(kept), gained...)
			reduced.affectWith(ni, final, engine.ModificationReduced)
			for _, r := range dropped {
				if target, ok := g.byID[r.TargetID]; ok && !g.fresh[target.ID] {
					reduced.relate(target, nil)
				}
			}
		}
	}

	// Instances pointing at deleted instances, and the targets of deleted instances.
	for _, ci := range deleted.affected {
		for _, r := range ci.Relationships {
			if target, ok := g.byID[r.TargetID]; ok && !deleted.isAffected(target.ID) {
				deleted.relate(target, nil)
			}
		}
	}
	for _, ni := range prev {
		if deleted.isAffected(ni.ID) {
			continue
		}
		for _, r := range ni.Relationships {
			if deleted.isAffected(r.TargetID) {
				deleted.relate(ni, nil)
				break
			}
		}
	}

	out := engine.Classification{}
	for c, b := range map[engine.Category]*bucket{
		engine.CategoryAdded:    added,
		engine.CategoryExtended: extended,
		engine.CategoryReduced:  reduced,
		engine.CategoryDeleted:  deleted,
	} {
		if delta := b.delta(); !delta.IsEmpty() {
			out[c] = delta
		}
	}
	return out, nil
}

func extendedOrAdded(added, extended *bucket, fresh bool) *bucket {
	if fresh {
		return added
	}
	return extended
}

// resolve turns a node-level relationship into instance-level entries for
// the instance at position idx of its node.
func (g *graph) resolve(r engine.Relationship, idx int) []engine.Relationship {
	targets := g.instances[r.TargetID]
	if len(targets) == 0 {
		return nil
	}
	if r.IsA(engine.RelationshipContainedIn) {
		targets = []*engine.NodeInstance{targets[idx%len(targets)]}
	}
	entries := make([]engine.Relationship, 0, len(targets))
	for _, t := range targets {
		entries = append(entries, engine.Relationship{
			TargetID:         t.ID,
			TargetName:       r.TargetID,
			Type:             r.Type,
			TypeHierarchy:    r.TypeHierarchy,
			Properties:       r.Properties,
			SourceOperations: r.SourceOperations,
			TargetOperations: r.TargetOperations,
		})
	}
	return entries
}

// hostOf follows contained_in edges to the instance hosting ni.
func (g *graph) hostOf(ni *engine.NodeInstance, seen map[string]bool) string {
	if ni.HostID != "" {
		return ni.HostID
	}
	n := g.nodes[ni.NodeID]
	if n != nil && n.HostID == n.ID {
		return ni.ID
	}
	if seen[ni.ID] {
		return ""
	}
	seen[ni.ID] = true
	for _, r := range ni.Relationships {
		if !r.IsA(engine.RelationshipContainedIn) {
			continue
		}
		if target, ok := g.byID[r.TargetID]; ok {
			return g.hostOf(target, seen)
		}
	}
	return ""
}

// newInstanceID derives "<node>_<6 hex>" from the node id and position,
// skipping ids already in use.
func (g *graph) newInstanceID(nodeID string, i int) string {
	for salt := 0; ; salt++ {
		sum := sha256.Sum256([]byte(nodeID + "#" + strconv.Itoa(i) + "#" + strconv.Itoa(salt)))
		id := nodeID + "_" + hex.EncodeToString(sum[:])[:suffixLength]
		if !g.used[id] {
			g.used[id] = true
			return id
		}
	}
}

func scalingGroupRefs(groups []engine.ScalingGroup, nodeID string, i int) []engine.ScalingGroupRef {
	var refs []engine.ScalingGroupRef
	for _, grp := range groups {
		for _, m := range grp.Members {
			if m != nodeID {
				continue
			}
			sum := sha256.Sum256([]byte(grp.Name + "#" + strconv.Itoa(i)))
			refs = append(refs, engine.ScalingGroupRef{
				Name: grp.Name,
				ID:   grp.Name + "_" + hex.EncodeToString(sum[:])[:suffixLength],
			})
		}
	}
	return refs
}

func indexOf(instances []*engine.NodeInstance, id string) int {
	for i, ni := range instances {
		if ni.ID == id {
			return i
		}
	}
	return 0
}

func cloneRelationships(in []engine.Relationship) []engine.Relationship {
	out := make([]engine.Relationship, len(in))
	copy(out, in)
	return out
}

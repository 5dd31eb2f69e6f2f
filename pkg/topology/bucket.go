package topology

import (
	"sort"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// bucket accumulates one category. Related instances are deduplicated and
// the relationships they gain are merged.
type bucket struct {
	affected    []engine.ClassifiedInstance
	affectedIDs map[string]bool
	related     map[string]*engine.ClassifiedInstance
}

func newBucket() *bucket {
	return &bucket{
		affectedIDs: make(map[string]bool),
		related:     make(map[string]*engine.ClassifiedInstance),
	}
}

func (b *bucket) affect(ni *engine.NodeInstance, mod engine.Modification) {
	b.affectWith(ni, ni.Relationships, mod)
}

// affectWith records ni with rels as its relationship set.
func (b *bucket) affectWith(ni *engine.NodeInstance, rels []engine.Relationship, mod engine.Modification) {
	if b.affectedIDs[ni.ID] {
		return
	}
	b.affectedIDs[ni.ID] = true
	ci := engine.ClassifiedInstance{NodeInstance: *ni, Modification: mod}
	ci.Relationships = cloneRelationships(rels)
	b.affected = append(b.affected, ci)
}

func (b *bucket) isAffected(id string) bool {
	return b.affectedIDs[id]
}

// relate records ni as related; gains are relationships it must append.
func (b *bucket) relate(ni *engine.NodeInstance, gains []engine.Relationship) {
	if ni == nil {
		return
	}
	ci, ok := b.related[ni.ID]
	if !ok {
		ci = &engine.ClassifiedInstance{NodeInstance: *ni, Modification: engine.ModificationRelated}
		ci.Relationships = []engine.Relationship{}
		b.related[ni.ID] = ci
	}
	ci.Relationships = append(ci.Relationships, gains...)
}

func (b *bucket) delta() engine.InstanceDelta {
	affected := make([]engine.ClassifiedInstance, len(b.affected))
	copy(affected, b.affected)
	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })

	related := make([]engine.ClassifiedInstance, 0, len(b.related))
	for _, ci := range b.related {
		related = append(related, *ci)
	}
	sort.Slice(related, func(i, j int) bool { return related[i].ID < related[j].ID })

	return engine.InstanceDelta{Affected: affected, Related: related}
}

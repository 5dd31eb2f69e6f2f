package deployupdate

import (
	"context"
	"fmt"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// InstanceApplier applies classification buckets to persisted node instances.
// Creations and extensions happen at commit; reductions and deletions are
// only recorded and run at finalize.
type InstanceApplier struct {
	store engine.Storage
}

// NewInstanceApplier creates an InstanceApplier.
func NewInstanceApplier(store engine.Storage) *InstanceApplier {
	return &InstanceApplier{store: store}
}

// Apply handles one category of the classification for the update's deployment.
func (a *InstanceApplier) Apply(ctx context.Context, update *engine.DeploymentUpdate, category engine.Category, delta engine.InstanceDelta) (engine.AppliedDelta, error) {
	switch category {
	case engine.CategoryAdded:
		return a.applyAdded(ctx, update, delta)
	case engine.CategoryExtended:
		return a.applyExtended(ctx, delta)
	case engine.CategoryReduced, engine.CategoryDeleted:
		return recordOnly(delta), nil
	default:
		return engine.AppliedDelta{}, engine.NewPermanentError(
			fmt.Sprintf("invalid classification category: %s", category), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// applyAdded creates instances flagged added, then appends the carried
// relationships to every other instance of the bucket.
func (a *InstanceApplier) applyAdded(ctx context.Context, update *engine.DeploymentUpdate, delta engine.InstanceDelta) (engine.AppliedDelta, error) {
	applied := engine.AppliedDelta{Affected: []string{}, Related: []string{}}
	batch := append(append([]engine.ClassifiedInstance{}, delta.Affected...), delta.Related...)

	for _, ci := range batch {
		if ci.Modification != engine.ModificationAdded {
			continue
		}
		ni := ci.NodeInstance
		ni.DeploymentID = update.DeploymentID
		if err := a.store.PutNodeInstance(ctx, &ni); err != nil {
			return applied, fmt.Errorf("failed to create node instance %s: %w", ni.ID, err)
		}
		applied.Affected = append(applied.Affected, ni.ID)
	}

	for _, ci := range batch {
		if ci.Modification == engine.ModificationAdded {
			continue
		}
		applied.Related = append(applied.Related, ci.ID)
		if len(ci.Relationships) == 0 {
			continue
		}

		current, err := a.store.GetNodeInstance(ctx, ci.ID)
		if err != nil {
			return applied, err
		}
		rels := append(cloneRelationships(current.Relationships), missingRelationships(current.Relationships, ci.Relationships)...)
		if len(rels) == len(current.Relationships) {
			continue
		}
		if _, err := a.store.UpdateNodeInstance(ctx, engine.NodeInstanceUpdate{
			ID:            ci.ID,
			Version:       current.Version,
			Relationships: rels,
		}); err != nil {
			return applied, fmt.Errorf("failed to extend node instance %s: %w", ci.ID, err)
		}
	}
	return applied, nil
}

// applyExtended replaces the relationship set of affected instances with the
// complete set the differ computed. The write presents the version the
// differ read, so an intervening writer surfaces as a conflict.
func (a *InstanceApplier) applyExtended(ctx context.Context, delta engine.InstanceDelta) (engine.AppliedDelta, error) {
	applied := engine.AppliedDelta{Affected: []string{}, Related: []string{}}
	for _, ci := range delta.Affected {
		rels := ci.Relationships
		if rels == nil {
			rels = []engine.Relationship{}
		}
		if _, err := a.store.UpdateNodeInstance(ctx, engine.NodeInstanceUpdate{
			ID:            ci.ID,
			Version:       ci.Version,
			Relationships: rels,
		}); err != nil {
			return applied, fmt.Errorf("failed to extend node instance %s: %w", ci.ID, err)
		}
		applied.Affected = append(applied.Affected, ci.ID)
	}
	for _, ci := range delta.Related {
		applied.Related = append(applied.Related, ci.ID)
	}
	return applied, nil
}

func recordOnly(delta engine.InstanceDelta) engine.AppliedDelta {
	applied := engine.AppliedDelta{Affected: []string{}, Related: []string{}}
	for _, ci := range delta.Affected {
		applied.Affected = append(applied.Affected, ci.ID)
	}
	for _, ci := range delta.Related {
		applied.Related = append(applied.Related, ci.ID)
	}
	return applied
}

// missingRelationships returns the entries of incoming with no equal
// (target instance, type) entry in existing.
func missingRelationships(existing, incoming []engine.Relationship) []engine.Relationship {
	have := make(map[[2]string]bool, len(existing))
	for _, r := range existing {
		have[[2]string{r.TargetID, r.Type}] = true
	}
	var out []engine.Relationship
	for _, r := range incoming {
		k := [2]string{r.TargetID, r.Type}
		if have[k] {
			continue
		}
		have[k] = true
		out = append(out, r)
	}
	return out
}

func cloneRelationships(in []engine.Relationship) []engine.Relationship {
	out := make([]engine.Relationship, len(in))
	copy(out, in)
	return out
}

package deployupdate

import (
	"encoding/json"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// ValidateStep confirms the step's entity exists in the staged plan. It fails
// with an UNKNOWN_ENTITY engine error otherwise and has no side effects.
func ValidateStep(plan *engine.Plan, entityType engine.EntityType, entityID string) error {
	kind, err := kindOf(entityType)
	if err != nil {
		return err
	}
	if plan == nil || entityID == "" {
		return engine.NewUnknownEntityError(entityType, entityID)
	}
	return kind.validate(plan, entityID)
}

// toMap renders a node definition as the nested mapping dotted ids address.
func toMap(def *engine.NodeDefinition) (map[string]interface{}, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

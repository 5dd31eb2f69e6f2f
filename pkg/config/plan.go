package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployupdate/pkg/engine"
)

// PlanLoader parses plans from YAML, JSON or CUE and checks them against
// the #Plan schema.
type PlanLoader struct {
	ctx      *cue.Context
	registry *SchemaRegistry
}

// NewPlanLoader creates a plan loader with the built-in schemas.
func NewPlanLoader() *PlanLoader {
	ctx := cuecontext.New()
	return &PlanLoader{
		ctx:      ctx,
		registry: newSchemaRegistry(ctx),
	}
}

// Registry returns the loader's schema registry.
func (pl *PlanLoader) Registry() *SchemaRegistry {
	return pl.registry
}

// LoadPlan reads a plan file with a fresh loader.
func LoadPlan(path string) (*engine.Plan, error) {
	return NewPlanLoader().Load(path)
}

// Load reads the plan at path. The format follows the extension.
func (pl *PlanLoader) Load(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return pl.ParseCUE(path, data)
	case ".json":
		return pl.ParseJSON(path, data)
	case ".yaml", ".yml":
		return pl.ParseYAML(path, data)
	default:
		return nil, fmt.Errorf("unsupported plan format: %s", path)
	}
}

// ParseCUE compiles a CUE plan, unifies it with #Plan and decodes it.
func (pl *PlanLoader) ParseCUE(filename string, data []byte) (*engine.Plan, error) {
	val := pl.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := pl.registry.Unify(SchemaPlan, val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var plan engine.Plan
	if err := unified.Decode(&plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", filename, err)
	}
	return pl.finish(filename, &plan)
}

// ParseJSON decodes a JSON plan and validates it.
func (pl *PlanLoader) ParseJSON(filename string, data []byte) (*engine.Plan, error) {
	var plan engine.Plan
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return pl.validateDecoded(filename, &plan)
}

// ParseYAML decodes a YAML plan and validates it.
func (pl *PlanLoader) ParseYAML(filename string, data []byte) (*engine.Plan, error) {
	var plan engine.Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return pl.validateDecoded(filename, &plan)
}

func (pl *PlanLoader) validateDecoded(filename string, plan *engine.Plan) (*engine.Plan, error) {
	val := pl.ctx.Encode(plan)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode plan %s: %w", filename, err)
	}
	if _, err := pl.registry.Unify(SchemaPlan, val); err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}
	return pl.finish(filename, plan)
}

// finish runs the checks a schema cannot express.
func (pl *PlanLoader) finish(filename string, plan *engine.Plan) (*engine.Plan, error) {
	if errs := ValidatePlan(plan); len(errs) > 0 {
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}
	return plan, nil
}

// ValidatePlan checks that node ids are unique and that every relationship
// and host reference names a node of the plan.
func ValidatePlan(plan *engine.Plan) ValidationErrors {
	var errs ValidationErrors

	ids := make(map[string]int, len(plan.Nodes))
	for i, n := range plan.Nodes {
		if first, dup := ids[n.ID]; dup {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("nodes[%d].id", i),
				Message: fmt.Sprintf("duplicate node id %q (first at nodes[%d])", n.ID, first),
			})
			continue
		}
		ids[n.ID] = i
	}

	for i, n := range plan.Nodes {
		if n.HostID != "" {
			if _, ok := ids[n.HostID]; !ok {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("nodes[%d].host_id", i),
					Message: fmt.Sprintf("unknown host node %q", n.HostID),
				})
			}
		}
		for j, r := range n.Relationships {
			if _, ok := ids[r.TargetID]; !ok {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("nodes[%d].relationships[%d].target_id", i, j),
					Message: fmt.Sprintf("unknown target node %q", r.TargetID),
				})
			}
		}
		if n.MinInstances != nil && n.MaxInstances != nil && *n.MaxInstances >= 0 && *n.MinInstances > *n.MaxInstances {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("nodes[%d]", i),
				Message: fmt.Sprintf("min_number_of_instances %d exceeds max_number_of_instances %d", *n.MinInstances, *n.MaxInstances),
			})
		}
	}
	return errs
}

// convertCUEErrors converts CUE errors into located validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

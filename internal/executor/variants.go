package executor

import (
	"accessd/internal/apperrors"
	"fmt"
)

// Variant describes one job type: how its orders are validated, what its
// inputs are called, and which files it must produce.
type Variant interface {
	Type() string
	// Validate checks required parameters. It runs after resource
	// references have been resolved.
	Validate(orders map[string]any) error
	// InputName maps a "<name>_resource_id" field to the parameter the
	// computation reads the resource path from.
	InputName(field string) string
	// Outputs lists files that must exist after a successful run.
	Outputs() []string
}

// DefaultVariants returns the built-in job types.
func DefaultVariants() []Variant {
	return []Variant{Matrix{}, Model{}}
}

// Matrix builds a travel-time matrix between primary and optional
// secondary point sets.
type Matrix struct{}

// Type implements Variant.
func (Matrix) Type() string { return "matrix" }

// Validate implements Variant.
func (Matrix) Validate(orders map[string]any) error {
	init, err := initKwargs(orders)
	if err != nil {
		return err
	}
	if _, ok := init["primary_resource_id"]; !ok {
		return apperrors.MissingParameter("init_kwargs.primary_resource_id")
	}
	if _, ok := init["primary_hints"]; !ok {
		return apperrors.MissingHints("init_kwargs.primary_hints")
	}
	_, hasSecondary := init["secondary_resource_id"]
	if _, ok := init["secondary_input"]; ok {
		hasSecondary = true
	}
	if hasSecondary {
		if _, ok := init["secondary_hints"]; !ok {
			return apperrors.MissingHints("init_kwargs.secondary_hints")
		}
	}
	return nil
}

// InputName implements Variant.
func (Matrix) InputName(field string) string { return DefaultInputName(field) }

// Outputs implements Variant.
func (Matrix) Outputs() []string { return []string{"output.csv"} }

// ModelTypes are the accessibility models a model job may request.
var ModelTypes = []string{
	"DestFloatingCatchmentArea",
	"TwoStageFloatingCatchmentArea",
	"AccessTime",
	"AccessCount",
	"AccessModel",
}

// Model computes an accessibility or catchment-area model over source and
// destination point sets.
type Model struct{}

// Type implements Variant.
func (Model) Type() string { return "model" }

// Validate implements Variant.
func (Model) Validate(orders map[string]any) error {
	init, err := initKwargs(orders)
	if err != nil {
		return err
	}
	for _, key := range []string{"source_resource_id", "dest_resource_id", "source_column_names", "dest_column_names"} {
		if _, ok := init[key]; !ok {
			return apperrors.MissingParameter("init_kwargs." + key)
		}
	}

	raw, ok := orders["model_type"]
	if !ok {
		return apperrors.MissingParameter("model_type")
	}
	modelType, _ := raw.(string)
	known := false
	for _, t := range ModelTypes {
		if t == modelType {
			known = true
			break
		}
	}
	if !known {
		return apperrors.UnrecognizedJobType(fmt.Sprint(raw))
	}

	for _, key := range []string{"calculate_kwargs", "aggregate_kwargs", "plot_cdf_kwargs"} {
		if v, ok := orders[key]; ok {
			if _, isMap := v.(map[string]any); !isMap {
				return apperrors.Validation(key, key+" must be an object")
			}
		}
	}
	return nil
}

// InputName implements Variant. Model inputs are read from
// "source_resource" and "dest_resource".
func (Model) InputName(field string) string {
	switch field {
	case "source_resource_id":
		return "source_resource"
	case "dest_resource_id":
		return "dest_resource"
	}
	return DefaultInputName(field)
}

// Outputs implements Variant.
func (Model) Outputs() []string { return []string{"results.csv"} }

func initKwargs(orders map[string]any) (map[string]any, error) {
	raw, ok := orders["init_kwargs"]
	if !ok {
		return nil, apperrors.MissingParameter("init_kwargs")
	}
	init, ok := raw.(map[string]any)
	if !ok {
		return nil, apperrors.Validation("init_kwargs", "init_kwargs must be an object")
	}
	return init, nil
}

package schema

// FieldMetadata describes one input or output field of a plugin.
type FieldMetadata struct {
	Description string `json:"description,omitempty"`
	Unit        string `json:"unit,omitempty"`
	// Aggregation operator along the time dimension (e.g. "sum", "avg").
	TimeAggregation string `json:"time_aggregation,omitempty"`
	// Aggregation operator across components (e.g. "sum", "max").
	ComponentAggregation string `json:"component_aggregation,omitempty"`
}

// Metadata bundles the per-field descriptions a plugin declares for its
// inputs and outputs.
type Metadata struct {
	Inputs  map[string]FieldMetadata `json:"inputs,omitempty"`
	Outputs map[string]FieldMetadata `json:"outputs,omitempty"`
}

// MergeMetadata combines a plugin's declared defaults with a caller
// override. Inputs are merged per field with the override winning;
// outputs are taken wholesale from the override when present.
func MergeMetadata(defaults, override *Metadata) *Metadata {
	if defaults == nil && override == nil {
		return nil
	}

	merged := &Metadata{Inputs: map[string]FieldMetadata{}}

	if defaults != nil {
		for name, fm := range defaults.Inputs {
			merged.Inputs[name] = fm
		}
		merged.Outputs = defaults.Outputs
	}
	if override != nil {
		for name, fm := range override.Inputs {
			merged.Inputs[name] = fm
		}
		if override.Outputs != nil {
			merged.Outputs = override.Outputs
		}
	}

	return merged
}

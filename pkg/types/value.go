package types

// ParameterValue is the response shape for one provisioned input or
// produced output.
type ParameterValue struct {
	RunID         string `json:"task_run_id"`
	ParameterName string `json:"param_name"`
	Type          Kind   `json:"type"`
	// Value is the decoded scalar, a list of ItemValue for collections, or
	// the GeoJSON text of a geometry collection. Nil for files and images.
	Value any `json:"value"`
}

// ItemValue is one element of a collection response. Value is itself a list
// of ItemValue when the element is a nested collection.
type ItemValue struct {
	Index int  `json:"index"`
	Type  Kind `json:"type"`
	Value any  `json:"value"`
}

// ProvisionResponse echoes an accepted provision.
type ProvisionResponse struct {
	ParameterName string `json:"param_name,omitempty"`
	Index         string `json:"index,omitempty"`
	Value         any    `json:"value,omitempty"`
	RunID         string `json:"task_run_id"`
}

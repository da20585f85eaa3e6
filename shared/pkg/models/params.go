package models

// GenerationParams are the generation settings of a job after the provider
// validated them against the model's limits
type GenerationParams struct {
	Width    int                    `json:"width"`
	Height   int                    `json:"height"`
	Steps    int                    `json:"steps"`
	CFGScale float64                `json:"cfg_scale"`
	Seed     int64                  `json:"seed"`
	Mode     string                 `json:"mode,omitempty"`
	Extras   map[string]interface{} `json:"extras,omitempty"`
}

// ModelLimits describes the parameter ranges a model accepts.
// Zero values mean "no constraint" for that bound.
type ModelLimits struct {
	MinWidth     int      `json:"min_width"`
	MaxWidth     int      `json:"max_width"`
	MinHeight    int      `json:"min_height"`
	MaxHeight    int      `json:"max_height"`
	SizeStep     int      `json:"size_step,omitempty"`
	MinSteps     int      `json:"min_steps"`
	MaxSteps     int      `json:"max_steps"`
	DefaultSteps int      `json:"default_steps"`
	MinCFG       float64  `json:"min_cfg"`
	MaxCFG       float64  `json:"max_cfg"`
	DefaultCFG   float64  `json:"default_cfg"`
	Modes        []string `json:"modes,omitempty"`
}

// ModelSpec is one entry of a provider's model catalog
type ModelSpec struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	DefaultWidth  int         `json:"default_width"`
	DefaultHeight int         `json:"default_height"`
	Limits        ModelLimits `json:"limits"`
}

// FindModel returns the spec with the given id
func FindModel(specs []ModelSpec, id string) (ModelSpec, bool) {
	for _, spec := range specs {
		if spec.ID == id {
			return spec, true
		}
	}
	return ModelSpec{}, false
}

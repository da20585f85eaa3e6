package provider

import (
	"github.com/psantana5/imagegen/pkg/models"
)

const (
	fallbackSize  = 1024
	fallbackSteps = 20
	fallbackCFG   = 7.0
)

// NormalizeParams fills defaults from the model spec and rejects values
// outside the model's limits. Sizes are rounded to the model's size step.
// Adapters with no special rules delegate ValidateParams here.
func NormalizeParams(req models.GenerationParams, spec models.ModelSpec) (models.GenerationParams, error) {
	lim := spec.Limits
	out := req

	if out.Width == 0 {
		out.Width = firstPositive(spec.DefaultWidth, fallbackSize)
		if lim.MaxWidth > 0 && out.Width > lim.MaxWidth {
			out.Width = lim.MaxWidth
		}
	}
	if out.Height == 0 {
		out.Height = firstPositive(spec.DefaultHeight, fallbackSize)
		if lim.MaxHeight > 0 && out.Height > lim.MaxHeight {
			out.Height = lim.MaxHeight
		}
	}
	if lim.SizeStep > 1 {
		out.Width = roundToStep(out.Width, lim.SizeStep)
		out.Height = roundToStep(out.Height, lim.SizeStep)
	}
	if err := checkRange("width", out.Width, lim.MinWidth, lim.MaxWidth); err != nil {
		return req, err
	}
	if err := checkRange("height", out.Height, lim.MinHeight, lim.MaxHeight); err != nil {
		return req, err
	}

	if out.Steps == 0 {
		out.Steps = firstPositive(lim.DefaultSteps, fallbackSteps)
		if lim.MaxSteps > 0 && out.Steps > lim.MaxSteps {
			out.Steps = lim.MaxSteps
		}
	}
	if err := checkRange("steps", out.Steps, lim.MinSteps, lim.MaxSteps); err != nil {
		return req, err
	}

	if out.CFGScale == 0 {
		out.CFGScale = lim.DefaultCFG
		if out.CFGScale == 0 && lim.MaxCFG == 0 {
			out.CFGScale = fallbackCFG
		}
	}
	if out.CFGScale < 0 ||
		(lim.MinCFG > 0 && out.CFGScale < lim.MinCFG) ||
		(lim.MaxCFG > 0 && out.CFGScale > lim.MaxCFG) {
		return req, Errorf(KindBadRequest, "cfg scale %.2f outside [%.2f, %.2f]", out.CFGScale, lim.MinCFG, lim.MaxCFG)
	}

	if out.Seed < 0 {
		return req, Errorf(KindBadRequest, "seed must not be negative")
	}

	if len(lim.Modes) > 0 {
		if out.Mode == "" {
			out.Mode = lim.Modes[0]
		} else if !contains(lim.Modes, out.Mode) {
			return req, Errorf(KindBadRequest, "mode %q not supported by model %s", out.Mode, spec.ID)
		}
	}

	if req.Extras != nil {
		out.Extras = make(map[string]interface{}, len(req.Extras))
		for k, v := range req.Extras {
			out.Extras[k] = v
		}
	}

	return out, nil
}

func checkRange(name string, v, min, max int) error {
	if v <= 0 {
		return Errorf(KindBadRequest, "%s must be positive", name)
	}
	if min > 0 && v < min {
		return Errorf(KindBadRequest, "%s %d below minimum %d", name, v, min)
	}
	if max > 0 && v > max {
		return Errorf(KindBadRequest, "%s %d above maximum %d", name, v, max)
	}
	return nil
}

func roundToStep(v, step int) int {
	if v <= 0 {
		return v
	}
	r := ((v + step/2) / step) * step
	if r == 0 {
		r = step
	}
	return r
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package cashout

import (
	"strings"

	"dropproof/pkg/celengine"
	"dropproof/pkg/errutil"
	"dropproof/pkg/gateway"
)

var defaultDestinationRules = map[gateway.Method]string{
	gateway.MethodUPI:  `destination.matches('^[a-zA-Z0-9._-]{2,256}@[a-zA-Z]{2,64}$')`,
	gateway.MethodBank: `destination.matches('^[0-9]{9,18}$')`,
	gateway.MethodCard: `destination.matches('^[0-9]{12,19}$')`,
}

// DestinationValidator checks destination references with one CEL rule per method.
type DestinationValidator struct {
	engine *celengine.Engine
	rules  map[gateway.Method]string
}

// NewDestinationValidator starts from the built-in rules; overrides keyed by
// method name replace them.
func NewDestinationValidator(engine *celengine.Engine, overrides map[string]string) (*DestinationValidator, error) {
	rules := make(map[gateway.Method]string, len(defaultDestinationRules))
	for m, expr := range defaultDestinationRules {
		rules[m] = expr
	}
	for key, expr := range overrides {
		m, ok := gateway.ParseMethod(key)
		if !ok {
			return nil, errutil.ValidationFailed("unknown payout method in destination rules", nil,
				errutil.WithDetails(errutil.Detail{Field: "method", Message: key}))
		}
		rules[m] = expr
	}

	sample := map[string]any{"destination": "", "method": "", "points": int64(0)}
	for m, expr := range rules {
		if err := engine.Validate(expr, sample); err != nil {
			return nil, errutil.ValidationFailed("invalid destination rule for "+string(m), err)
		}
	}

	return &DestinationValidator{engine: engine, rules: rules}, nil
}

func (v *DestinationValidator) Validate(method gateway.Method, destination string, points int64) error {
	expr, ok := v.rules[method]
	if !ok {
		return errutil.ValidationFailed("unsupported payout method", nil,
			errutil.WithDetails(errutil.Detail{Field: "method", Message: string(method)}))
	}

	ok, err := v.engine.EvalBool(expr, map[string]any{
		"destination": strings.TrimSpace(destination),
		"method":      string(method),
		"points":      points,
	})
	if err != nil {
		return errutil.Internal("destination rule failed", err)
	}
	if !ok {
		return errutil.ValidationFailed("destination reference is not valid for "+string(method), nil,
			errutil.WithDetails(errutil.Detail{Field: "destination_ref", Message: "invalid format"}))
	}
	return nil
}

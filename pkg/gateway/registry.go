package gateway

import (
	"fmt"
	"sort"
	"strings"

	"dropproof/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway", fx.Provide(NewRegistryFromConfig))

// Registry selects the gateway serving a payout method.
type Registry struct {
	byMethod map[Method]PayoutGateway
	byName   map[string]PayoutGateway
}

func NewRegistry() *Registry {
	return &Registry{byMethod: map[Method]PayoutGateway{}, byName: map[string]PayoutGateway{}}
}

func (r *Registry) Register(method Method, g PayoutGateway) {
	r.byMethod[method] = g
	r.byName[g.Name()] = g
}

func (r *Registry) ForMethod(method Method) (PayoutGateway, error) {
	g, ok := r.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("no payout gateway for method %s", method)
	}
	return g, nil
}

func (r *Registry) ByName(name string) (PayoutGateway, bool) {
	g, ok := r.byName[name]
	return g, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewRegistryFromConfig builds one gateway per GATEWAYS.<method> entry.
// Methods without configuration fall back to the sandbox outside production.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	reg := NewRegistry()

	for key, gw := range cfg.Gateways {
		method, ok := ParseMethod(key)
		if !ok {
			return nil, fmt.Errorf("gateway config: unknown payout method %q", key)
		}

		name := strings.ToLower(string(method))
		switch strings.ToLower(gw.Provider) {
		case "", "http":
			if gw.BaseURL == "" {
				return nil, fmt.Errorf("gateway config: %s requires BASE_URL", key)
			}
			reg.Register(method, NewHTTPGateway(name, gw.BaseURL, gw.APIKey, gw.Timeout))
		case "sandbox":
			reg.Register(method, NewSandbox(name))
		default:
			return nil, fmt.Errorf("gateway config: unknown provider %q for %s", gw.Provider, key)
		}
	}

	if cfg.AppEnv != "production" {
		for _, m := range []Method{MethodBank, MethodUPI, MethodCard} {
			if _, err := reg.ForMethod(m); err != nil {
				zap.L().Warn("payout method not configured, using sandbox", zap.String("method", string(m)))
				reg.Register(m, NewSandbox(strings.ToLower(string(m))))
			}
		}
	}

	return reg, nil
}

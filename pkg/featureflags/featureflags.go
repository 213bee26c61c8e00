package featureflags

import (
	"context"

	"dropproof/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	// IsEnabled resolves feature for identifier, returning fallback when flags are
	// not configured or the provider is unreachable.
	IsEnabled(ctx context.Context, identifier, feature string, fallback bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return Static{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) IsEnabled(ctx context.Context, identifier, feature string, fallback bool) bool {
	var (
		flags flagsmith.Flags
		err   error
	)
	if identifier == "" {
		flags, err = s.client.GetEnvironmentFlags()
	} else {
		flags, err = s.client.GetIdentityFlags(identifier, nil)
	}
	if err != nil {
		zap.L().Warn("feature flags unavailable, using fallback", zap.String("feature", feature), zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return fallback
	}
	return enabled
}

// Static answers from a fixed map; unknown features return the fallback.
type Static map[string]bool

func (s Static) IsEnabled(_ context.Context, _, feature string, fallback bool) bool {
	if v, ok := s[feature]; ok {
		return v
	}
	return fallback
}

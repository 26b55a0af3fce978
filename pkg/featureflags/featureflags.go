package featureflags

import (
	"context"

	"smallbiznis-licensing/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// DebugAdvanceTime exposes the window reset endpoint.
	DebugAdvanceTime = "debug_advance_time"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
	// IsEnabled falls back to the local config when flagsmith is not
	// configured or unreachable.
	IsEnabled(ctx context.Context, identifier, feature string) bool
}

type featureflag struct {
	client   *flagsmith.Client
	fallback map[string]bool
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	ff := &featureflag{
		fallback: map[string]bool{
			DebugAdvanceTime: p.Config.Licensing.DebugEndpoints,
		},
	}

	if p.Config.Flagsmith.ApiKey == "" {
		return ff
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	ff.client = flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...)
	return ff
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	var traitSlice []*flagsmith.Trait
	if len(traits) > 0 {
		traitSlice = traits
	}

	return s.client.GetIdentityFlags(identifier, traitSlice)
}

func (s *featureflag) IsEnabled(ctx context.Context, identifier, feature string) bool {
	fallback := s.fallback[feature]
	if cur, ok := config.Current(); ok && feature == DebugAdvanceTime {
		fallback = cur.Licensing.DebugEndpoints
	}

	if s.client == nil {
		return fallback
	}

	flags, err := s.Flags(ctx, identifier)
	if err != nil {
		zap.L().Warn("flagsmith unavailable, using config fallback", zap.String("feature", feature), zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return fallback
	}
	return enabled
}

// Static returns a FeatureFlag answering from values only.
func Static(values map[string]bool) FeatureFlag {
	return &featureflag{fallback: values}
}

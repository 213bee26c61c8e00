package featureflags

import (
	"context"
	"testing"

	"dropproof/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestProvideWithoutKeyIsStatic(t *testing.T) {
	ff := ProvideFeatureFlag(FeatureParams{Config: &config.Config{}})

	_, ok := ff.(Static)
	require.True(t, ok)
	require.True(t, ff.IsEnabled(context.Background(), "user-1", "auto_verify_enabled", true))
	require.False(t, ff.IsEnabled(context.Background(), "user-1", "auto_verify_enabled", false))
}

func TestStaticOverrides(t *testing.T) {
	ff := Static{"auto_verify_enabled": false}
	require.False(t, ff.IsEnabled(context.Background(), "", "auto_verify_enabled", true))
	require.True(t, ff.IsEnabled(context.Background(), "", "other", true))
}

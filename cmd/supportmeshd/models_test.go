package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/config"
	"github.com/hupe1980/supportmesh/logging"
)

func TestBuildModels(t *testing.T) {
	cfg := config.Defaults().Models
	cfg.List = append(cfg.List, config.ModelConfig{ID: "throttled", Provider: "mock", RateLimitRPM: 60})

	reg, err := buildModels(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, []string{"mock", "throttled"}, reg.IDs())

	def, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "mock", def.Info().Name)
}

func TestBuildModels_UnknownDefault(t *testing.T) {
	cfg := config.Defaults().Models
	cfg.Default = "missing"

	_, err := buildModels(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestSlogOf(t *testing.T) {
	inner := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Same(t, inner, slogOf(logging.NewSlogAdapter(inner)))
	assert.NotNil(t, slogOf(logging.NoOpLogger{}))
}

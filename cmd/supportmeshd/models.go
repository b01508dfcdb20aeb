package main

import (
	"context"
	"fmt"
	"log/slog"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/supportmesh/config"
	"github.com/hupe1980/supportmesh/model"
	"github.com/hupe1980/supportmesh/model/anthropic"
	"github.com/hupe1980/supportmesh/model/bedrock"
	"github.com/hupe1980/supportmesh/model/openai"
)

// buildModels creates every configured model, each behind a circuit breaker
// and, when configured, a client side rate limit.
func buildModels(ctx context.Context, cfg config.ModelsConfig, logger *slog.Logger) (*model.Registry, error) {
	reg := model.NewRegistry()

	for _, mc := range cfg.List {
		m, err := newProviderModel(ctx, mc)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mc.ID, err)
		}

		if mc.RateLimitRPM > 0 {
			m = model.WithRateLimit(m, mc.RateLimitRPM, 1)
		}
		m = model.WithBreaker(m, func(o *model.BreakerOptions) {
			o.MaxFailures = cfg.Breaker.MaxFailures
			o.Timeout = cfg.Breaker.Timeout
			o.Interval = cfg.Breaker.Interval
			o.Logger = logger
		})

		reg.Register(mc.ID, m)
	}

	if cfg.Default != "" {
		if err := reg.SetDefault(cfg.Default); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func newProviderModel(ctx context.Context, mc config.ModelConfig) (model.Model, error) {
	switch mc.Provider {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if mc.Model != "" {
				o.Model = anthropicsdk.Model(mc.Model)
			}
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxTokens = int64(mc.MaxTokens)
			}
			o.APIKey = mc.APIKey
		}), nil

	case "openai":
		var opts []option.RequestOption
		if mc.APIKey != "" {
			opts = append(opts, option.WithAPIKey(mc.APIKey))
		}
		client := openaisdk.NewClient(opts...)
		return openai.NewModelFromClient(&client, func(o *openai.Options) {
			if mc.Model != "" {
				o.Model = mc.Model
			}
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(mc.MaxTokens)
			}
		}), nil

	case "bedrock":
		return bedrock.NewModel(ctx, func(o *bedrock.Options) {
			if mc.Model != "" {
				o.ModelID = mc.Model
			}
			if mc.Region != "" {
				o.Region = mc.Region
			}
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxTokens = int32(mc.MaxTokens)
			}
		})

	case "mock":
		return model.NewScriptedModel(mc.ID), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", mc.Provider)
	}
}

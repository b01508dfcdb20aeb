// Package agentctx assembles the read-only core.AgentContext of a turn from
// a package's variable declarations and the tenant's variable records.
package agentctx

import (
	"context"
	"time"

	"github.com/hupe1980/supportmesh/cache"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/logging"
)

// DefaultCacheTTL is how long tenant records are cached.
const DefaultCacheTTL = 5 * time.Minute

// Request describes the turn an AgentContext is built for.
type Request struct {
	TenantID  string
	ChatbotID string
	Channel   core.Channel
	Package   *core.PackageDefinition
	// Records are used instead of the Source when non-nil.
	Records []core.VariableRecord
}

// Options configures a Builder.
type Options struct {
	Source   core.VariableSource
	Cache    cache.Cache
	CacheTTL time.Duration
	Logger   logging.Logger
}

// Builder builds AgentContexts. It never fails a turn: missing or malformed
// configuration degrades to empty variables with a warning.
type Builder struct {
	opts Options
}

// NewBuilder creates a Builder.
func NewBuilder(optFns ...func(o *Options)) *Builder {
	opts := Options{
		CacheTTL: DefaultCacheTTL,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Builder{opts: opts}
}

// Build returns the AgentContext for req.
func (b *Builder) Build(ctx context.Context, req Request) *core.AgentContext {
	records := req.Records
	if records == nil {
		records = b.records(ctx, req.TenantID, req.ChatbotID)
	}

	var decls []core.VariableDecl
	if req.Package != nil {
		decls = req.Package.Variables
	}

	plain, secured := b.partition(req, decls, records)

	return core.NewAgentContext(req.TenantID, req.ChatbotID, req.Channel, plain, secured)
}

// Invalidate drops the cached records of a chatbot.
func (b *Builder) Invalidate(ctx context.Context, tenantID, chatbotID string) {
	if b.opts.Cache == nil {
		return
	}
	if err := b.opts.Cache.Delete(ctx, cacheKey(tenantID, chatbotID)); err != nil {
		b.opts.Logger.Warn("agentctx.cache.invalidate_failed", "tenant_id", tenantID, "chatbot_id", chatbotID, "error", err.Error())
	}
}

func (b *Builder) records(ctx context.Context, tenantID, chatbotID string) []core.VariableRecord {
	log := logging.With(b.opts.Logger, "tenant_id", tenantID, "chatbot_id", chatbotID)
	key := cacheKey(tenantID, chatbotID)

	if b.opts.Cache != nil {
		cached, ok, err := cache.GetJSON[[]core.VariableRecord](ctx, b.opts.Cache, key)
		if err != nil {
			log.Warn("agentctx.cache.read_failed", "error", err.Error())
		}
		if ok {
			return cached
		}
	}

	if b.opts.Source == nil {
		return nil
	}

	records, err := b.opts.Source.Variables(ctx, tenantID, chatbotID)
	if err != nil {
		log.Warn("agentctx.variables.unavailable", "error", err.Error())
		return nil
	}

	if b.opts.Cache != nil {
		if err := cache.SetJSON(ctx, b.opts.Cache, key, records, b.opts.CacheTTL); err != nil {
			log.Warn("agentctx.cache.write_failed", "error", err.Error())
		}
	}

	return records
}

// partition merges declaration defaults with records and splits them by
// type. The declared type wins; undeclared records keep their own type.
func (b *Builder) partition(req Request, decls []core.VariableDecl, records []core.VariableRecord) (plain, secured map[string]string) {
	plain, secured = map[string]string{}, map[string]string{}

	types := make(map[string]core.VariableType, len(decls))
	values := map[string]string{}

	for _, d := range decls {
		if d.Name == "" {
			b.opts.Logger.Warn("agentctx.declaration.invalid", "package", req.Package.ID, "reason", "empty name")
			continue
		}
		types[d.Name] = d.Type
		values[d.Name] = d.Default
	}

	for _, r := range records {
		if r.Name == "" {
			b.opts.Logger.Warn("agentctx.record.invalid", "tenant_id", req.TenantID, "chatbot_id", req.ChatbotID, "reason", "empty name")
			continue
		}
		if _, declared := types[r.Name]; !declared {
			types[r.Name] = r.VariableType
		}
		values[r.Name] = r.Value
	}

	for name, v := range values {
		if types[name].IsSecured() {
			secured[name] = v
		} else {
			plain[name] = v
		}
	}

	return plain, secured
}

func cacheKey(tenantID, chatbotID string) string {
	return cache.Key("agentctx", tenantID, chatbotID)
}

package agentctx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/cache"
	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/internal/testutil"
)

type countingSource struct {
	records []core.VariableRecord
	err     error
	calls   atomic.Int32
}

func (s *countingSource) Variables(context.Context, string, string) ([]core.VariableRecord, error) {
	s.calls.Add(1)
	return s.records, s.err
}

func deskPackage() *core.PackageDefinition {
	return testutil.NewPackageBuilder("desk").
		Worker("support").
		Variable("company_name", core.VariablePlain, "Acme").
		Variable("support_hours", core.VariablePlain, "9-5").
		Variable("crm_token", core.VariableSecret, "").
		Build()
}

func TestBuild_MergesDefaultsAndRecords(t *testing.T) {
	b := NewBuilder()

	ac := b.Build(context.Background(), Request{
		TenantID:  "acme",
		ChatbotID: "bot-1",
		Channel:   core.ChannelWidget,
		Package:   deskPackage(),
		Records: []core.VariableRecord{
			{Name: "company_name", Value: "Acme Corp", VariableType: core.VariablePlain},
			{Name: "crm_token", Value: "s3cr3t", VariableType: core.VariablePlain},
			{Name: "db_password", Value: "pw", VariableType: core.VariablePassword},
			{Name: "greeting", Value: "Howdy"},
		},
	})

	assert.Equal(t, map[string]string{
		"company_name":  "Acme Corp",
		"support_hours": "9-5",
		"greeting":      "Howdy",
	}, ac.Variables())

	secret, ok := ac.Secret("crm_token")
	assert.True(t, ok)
	assert.Equal(t, "s3cr3t", secret)
	assert.Equal(t, []string{"crm_token", "db_password"}, ac.SecretNames())

	assert.Equal(t, "acme", ac.CompanyID())
	assert.Equal(t, "bot-1", ac.ChatbotID())
	assert.Equal(t, core.ChannelWidget, ac.Channel())
}

func TestBuild_SkipsEmptyNames(t *testing.T) {
	ac := NewBuilder().Build(context.Background(), Request{
		TenantID: "acme",
		Records:  []core.VariableRecord{{Name: "", Value: "x"}},
	})
	assert.Empty(t, ac.Variables())
	assert.Empty(t, ac.SecretNames())
}

func TestBuild_SourceFailureYieldsDefaults(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	b := NewBuilder(func(o *Options) { o.Source = src })

	ac := b.Build(context.Background(), Request{TenantID: "acme", ChatbotID: "bot-1", Package: deskPackage()})

	v, ok := ac.Variable("company_name")
	require.True(t, ok)
	assert.Equal(t, "Acme", v)
}

func TestBuild_CachesRecords(t *testing.T) {
	src := &countingSource{records: []core.VariableRecord{{Name: "company_name", Value: "Cached Inc", VariableType: core.VariablePlain}}}
	b := NewBuilder(func(o *Options) {
		o.Source = src
		o.Cache = cache.NewMemory()
	})

	ctx := context.Background()
	req := Request{TenantID: "acme", ChatbotID: "bot-1", Package: deskPackage()}

	b.Build(ctx, req)
	ac := b.Build(ctx, req)
	assert.Equal(t, int32(1), src.calls.Load())

	v, _ := ac.Variable("company_name")
	assert.Equal(t, "Cached Inc", v)

	b.Invalidate(ctx, "acme", "bot-1")
	b.Build(ctx, req)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestBuild_ExplicitRecordsBypassSource(t *testing.T) {
	src := &countingSource{}
	b := NewBuilder(func(o *Options) { o.Source = src })

	b.Build(context.Background(), Request{TenantID: "acme", Records: []core.VariableRecord{}})
	assert.Zero(t, src.calls.Load())
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/tool"
)

type mockClient struct {
	tools    []mcp.Tool
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	listErr  error
	closed   bool
}

func (m *mockClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return &mcp.ListToolsResult{Tools: m.tools}, nil
}

func (m *mockClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("called %s", req.Params.Name))}}, nil
}

func (m *mockClient) Close() error {
	m.closed = true
	return nil
}

func toolCtx() *core.ToolContext {
	rc := core.NewRunContext(context.Background(), "c", "t", core.EmptyAgentContext("acme", "bot", core.ChannelAPI),
		core.Content{}, nil, core.NewStream(context.Background(), 1), 0, nil)
	return core.NewToolContext(rc, "fc")
}

func TestBridge_DiscoverAndCall(t *testing.T) {
	mock := &mockClient{tools: []mcp.Tool{{Name: "create-ticket", Description: "Open a ticket"}}}

	b, err := newBridgeWithClients(context.Background(), []serverConn{{name: "help desk", client: mock}})
	require.NoError(t, err)

	tools := b.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "mcp_help_desk_create_ticket", tools[0].Name())
	assert.Equal(t, "Open a ticket", tools[0].Description())

	res, err := tools[0].Call(toolCtx(), map[string]any{"subject": "broken"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "called create-ticket"}, res)

	r := tool.NewRegistry()
	b.RegisterAll(r)
	assert.True(t, r.Has("mcp_help_desk_create_ticket"))

	b.Close()
	assert.True(t, mock.closed)
}

func TestBridge_CallErrorIsFailure(t *testing.T) {
	mock := &mockClient{
		tools: []mcp.Tool{{Name: "lookup"}},
		callFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("connection reset")
		},
	}
	b, err := newBridgeWithClients(context.Background(), []serverConn{{name: "crm", client: mock}})
	require.NoError(t, err)

	res, err := b.Tools()[0].Call(toolCtx(), nil)
	require.NoError(t, err)
	assert.True(t, tool.IsFailure(res))
}

func TestBridge_AllServersFail(t *testing.T) {
	_, err := newBridgeWithClients(context.Background(), []serverConn{{name: "x", client: &mockClient{listErr: errors.New("down")}}})
	assert.Error(t, err)
}

func TestBridge_PartialDiscovery(t *testing.T) {
	b, err := newBridgeWithClients(context.Background(), []serverConn{
		{name: "down", client: &mockClient{listErr: errors.New("down")}},
		{name: "up", client: &mockClient{tools: []mcp.Tool{{Name: "ping"}}}},
	})
	require.NoError(t, err)
	assert.Len(t, b.Tools(), 1)
}

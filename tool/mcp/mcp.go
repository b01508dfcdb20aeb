// Package mcp bridges tools served by Model Context Protocol servers into the
// tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/supportmesh/core"
	"github.com/hupe1980/supportmesh/logging"
	"github.com/hupe1980/supportmesh/tool"
)

// DefaultCallTimeout bounds a single MCP tool call.
const DefaultCallTimeout = 30 * time.Second

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio | http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
}

// client abstracts the MCP client for tests.
type client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type serverConn struct {
	name   string
	client client
}

// Options configures the bridge.
type Options struct {
	Logger      logging.Logger
	CallTimeout time.Duration
}

// Bridge owns MCP server connections and exposes their tools.
type Bridge struct {
	servers []serverConn
	tools   []tool.Tool
	opts    Options
	mu      sync.RWMutex
}

// NewBridge connects to every server and discovers its tools. Discovery
// fails only when all servers fail.
func NewBridge(ctx context.Context, servers []ServerConfig, optFns ...func(o *Options)) (*Bridge, error) {
	b := &Bridge{opts: newOptions(optFns...)}

	for _, srv := range servers {
		conn, err := b.connect(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.servers = append(b.servers, *conn)
	}

	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}

	return b, nil
}

func newBridgeWithClients(ctx context.Context, servers []serverConn, optFns ...func(o *Options)) (*Bridge, error) {
	b := &Bridge{servers: servers, opts: newOptions(optFns...)}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func newOptions(optFns ...func(o *Options)) Options {
	opts := Options{Logger: logging.NoOpLogger{}, CallTimeout: DefaultCallTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

func (b *Bridge) connect(ctx context.Context, srv ServerConfig) (*serverConn, error) {
	var c client

	switch srv.Transport {
	case "stdio":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		hc := mcpclient.NewClient(t)
		if err := hc.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = hc
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "supportmesh", Version: "1.0.0"}

	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("initialize: %w", err)
		}
	}

	b.opts.Logger.Info("mcp.server.connected", "server", srv.Name, "transport", srv.Transport)

	return &serverConn{name: srv.Name, client: c}, nil
}

func (b *Bridge) discover(ctx context.Context) error {
	var errs []string
	ok := 0

	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.opts.Logger.Warn("mcp.server.discovery_failed", "server", srv.name, "error", err.Error())
			errs = append(errs, fmt.Sprintf("%s: %v", srv.name, err))
			continue
		}

		b.mu.Lock()
		for _, t := range result.Tools {
			b.tools = append(b.tools, newAdapter(srv.name, srv.client, t, b.opts))
		}
		b.mu.Unlock()

		b.opts.Logger.Info("mcp.tools.discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}

	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Tools returns the discovered tools.
func (b *Bridge) Tools() []tool.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]tool.Tool(nil), b.tools...)
}

// RegisterAll adds every discovered tool to r.
func (b *Bridge) RegisterAll(r *tool.Registry) {
	for _, t := range b.Tools() {
		r.Register(t)
	}
}

// Close shuts down all server connections.
func (b *Bridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.opts.Logger.Warn("mcp.server.close_failed", "server", srv.name, "error", err.Error())
		}
	}
}

type adapter struct {
	server   string
	client   client
	mcpTool  mcp.Tool
	fullName string
	opts     Options
}

func newAdapter(server string, c client, t mcp.Tool, opts Options) *adapter {
	return &adapter{
		server:   server,
		client:   c,
		mcpTool:  t,
		fullName: fmt.Sprintf("mcp_%s_%s", sanitizeName(server), sanitizeName(t.Name)),
		opts:     opts,
	}
}

func (a *adapter) Name() string { return a.fullName }

func (a *adapter) Description() string {
	if a.mcpTool.Description != "" {
		return a.mcpTool.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.mcpTool.Name, a.server)
}

func (a *adapter) Parameters() map[string]any {
	params := map[string]any{"type": "object"}
	if a.mcpTool.InputSchema.Properties == nil && a.mcpTool.InputSchema.Required == nil {
		return params
	}
	data, err := json.Marshal(a.mcpTool.InputSchema)
	if err != nil {
		return params
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return params
	}
	return decoded
}

func (a *adapter) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = a.mcpTool.Name
	req.Params.Arguments = args

	ctx, cancel := context.WithTimeout(tc.Context(), a.opts.CallTimeout)
	defer cancel()

	result, err := a.client.CallTool(ctx, req)
	if err != nil {
		tc.LogWarn("mcp.tool.call_failed", "server", a.server, "tool", a.mcpTool.Name, "error", err.Error())
		return tool.NewFailure(tool.CodeUpstream, fmt.Sprintf("MCP tool error: %v", err), true), nil
	}

	content := extractContent(result)
	if result.IsError {
		return tool.NewFailure(tool.CodeUpstream, content, false), nil
	}

	return map[string]any{"content": content}, nil
}

func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

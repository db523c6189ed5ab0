package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// ServerConfig describes one MCP server whose tools are agents.
type ServerConfig struct {
	Name      string            `yaml:"name" json:"name" toml:"name"`
	Transport string            `yaml:"transport" json:"transport" toml:"transport"` // stdio, sse, streamable_http
	Command   string            `yaml:"command,omitempty" json:"command,omitempty" toml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty" toml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty" toml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty" toml:"env,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" toml:"headers,omitempty"`
}

// NodeResolver maps hierarchy node IDs to agent names.
type NodeResolver interface {
	AgentFor(nodeID string) (string, bool)
}

// toolCaller is the subset of the MCP client used to invoke agents.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCP invokes agents exposed as tools on MCP servers. Each tool takes a
// single "message" argument.
type MCP struct {
	mu      sync.RWMutex
	agents  map[string]toolCaller // agent name -> owning client
	clients []toolCaller
	nodes   NodeResolver
	logger  *slog.Logger
}

// NewMCP creates an invoker with no servers connected.
func NewMCP(nodes NodeResolver, logger *slog.Logger) *MCP {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MCP{agents: make(map[string]toolCaller), nodes: nodes, logger: logger}
}

// Connect performs the handshake with one server and registers every tool
// it lists as an agent. A later server wins on duplicate names.
func (m *MCP) Connect(ctx context.Context, cfg ServerConfig) error {
	c, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	if cfg.Transport != "stdio" {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("starting MCP transport for %q: %w", cfg.Name, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "kazi", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("MCP list tools for %q: %w", cfg.Name, err)
	}

	names := make([]string, 0, len(list.Tools))
	for _, t := range list.Tools {
		names = append(names, t.Name)
	}
	m.register(c, names)

	m.logger.Info("MCP agent server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("agents", len(names)),
	)
	return nil
}

func (m *MCP) register(c toolCaller, agents []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(m.clients, c)
	for _, a := range agents {
		m.agents[a] = c
	}
}

// Agents lists the registered agent names.
func (m *MCP) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.agents))
	for a := range m.agents {
		out = append(out, a)
	}
	return out
}

func (m *MCP) Call(ctx context.Context, agent, message string) (*Response, error) {
	m.mu.RLock()
	c, ok := m.agents[agent]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = agent
	req.Params.Arguments = map[string]any{"message": message}

	result, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling agent %s: %w", agent, err)
	}
	text := formatContent(result.Content)
	if result.IsError {
		return nil, fmt.Errorf("agent %s returned error: %s", agent, text)
	}
	return DecodeResponse(text), nil
}

func (m *MCP) CallNode(ctx context.Context, nodeID, message string) (*Response, error) {
	if m.nodes == nil {
		return nil, fmt.Errorf("%w: node %s (no hierarchy loaded)", ErrUnknownAgent, nodeID)
	}
	agent, ok := m.nodes.AgentFor(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrUnknownAgent, nodeID)
	}
	return m.Call(ctx, agent, message)
}

// Close shuts down every client connection.
func (m *MCP) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	m.clients = nil
	m.agents = make(map[string]toolCaller)
}

func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

func newClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+os.ExpandEnv(v))
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandHeaders(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandHeaders(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

func expandHeaders(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

var _ Invoker = (*MCP)(nil)

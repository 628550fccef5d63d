// Package mcp maintains the registry of external MCP tool servers. Servers
// are declared in configuration; clients connect lazily on first use and are
// restarted after a hibernation wake.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/config"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/common/logger"
)

// ServerInfo is the protocol-visible description of one registered server.
type ServerInfo struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Connected bool     `json:"connected"`
	Tools     []string `json:"tools,omitempty"`
}

// RemoteTool is one tool exported by a connected server.
type RemoteTool struct {
	Server      string
	Name        string
	Description string
	Schema      json.RawMessage
}

type server struct {
	name string
	url  string

	mu     sync.Mutex
	client *mcpclient.Client
	tools  []RemoteTool
}

// Registry tracks the configured MCP servers and their live clients.
type Registry struct {
	logger  *logger.Logger
	mu      sync.Mutex
	servers []*server
}

// NewRegistry builds a registry from configuration. No connections are opened
// until a server's tools are first needed.
func NewRegistry(cfg config.MCPConfig, log *logger.Logger) *Registry {
	r := &Registry{logger: log.WithFields(zap.String("component", "mcp"))}
	for _, sc := range cfg.Servers {
		r.servers = append(r.servers, &server{name: sc.Name, url: sc.URL})
	}
	return r
}

// Snapshot lists the registered servers for the cf_agent_mcp_servers frame.
func (r *Registry) Snapshot() []ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		s.mu.Lock()
		info := ServerInfo{Name: s.name, URL: s.url, Connected: s.client != nil}
		for _, t := range s.tools {
			info.Tools = append(info.Tools, t.Name)
		}
		s.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// Restart drops all live clients. Called on hibernation wake; the next tool
// listing reconnects.
func (r *Registry) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.servers {
		s.mu.Lock()
		if s.client != nil {
			_ = s.client.Close()
			s.client = nil
			s.tools = nil
		}
		s.mu.Unlock()
	}
}

// Tools connects to every configured server that is not yet connected and
// returns the union of their tools. Connection failures are logged and the
// failing server is skipped; a broken tool server must not take the agent
// down.
func (r *Registry) Tools(ctx context.Context) []RemoteTool {
	r.mu.Lock()
	servers := make([]*server, len(r.servers))
	copy(servers, r.servers)
	r.mu.Unlock()

	var out []RemoteTool
	for _, s := range servers {
		tools, err := s.listTools(ctx)
		if err != nil {
			r.logger.Warn("failed to list MCP tools",
				zap.String("server", s.name), zap.Error(err))
			continue
		}
		out = append(out, tools...)
	}
	return out
}

// Call invokes a remote tool and returns its text content.
func (r *Registry) Call(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
	var target *server
	r.mu.Lock()
	for _, s := range r.servers {
		if s.name == serverName {
			target = s
			break
		}
	}
	r.mu.Unlock()
	if target == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("unknown MCP server %q", serverName))
	}

	client, err := target.connect(ctx)
	if err != nil {
		return nil, apperrors.Provider(fmt.Sprintf("MCP server %q unavailable", serverName), err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	var decoded any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, apperrors.InvalidRequest("invalid tool arguments: " + err.Error())
		}
	}
	req.Params.Arguments = decoded

	result, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, apperrors.Provider(fmt.Sprintf("MCP tool %q failed", toolName), err)
	}
	text := flattenContent(result.Content)
	if result.IsError {
		return nil, apperrors.Provider(fmt.Sprintf("MCP tool %q returned an error", toolName), fmt.Errorf("%s", text))
	}
	out, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return out, nil
}

func (s *server) listTools(ctx context.Context) ([]RemoteTool, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cached := s.tools
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	result, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]RemoteTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal input schema for %s: %w", t.Name, err)
		}
		tools = append(tools, RemoteTool{
			Server:      s.name,
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	return tools, nil
}

func (s *server) connect(ctx context.Context) (*mcpclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	var (
		client *mcpclient.Client
		err    error
	)
	if strings.HasSuffix(s.url, "/sse") {
		client, err = mcpclient.NewSSEMCPClient(s.url)
	} else {
		client, err = mcpclient.NewStreamableHttpClient(s.url)
	}
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agenthost", Version: "0.1.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, err
	}

	s.client = client
	return client, nil
}

func flattenContent(content []mcp.Content) string {
	var b strings.Builder
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

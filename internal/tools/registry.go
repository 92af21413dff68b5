package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/query"
	"github.com/brandon/omnicom/pkg/types"
)

var (
	// ErrUnknownTool is returned when calling a tool that is not registered
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when arguments fail schema validation
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Inbox is the client API the tools expose
type Inbox interface {
	ListAccounts() []types.Account
	ListThreads(tab types.Tab, q string, limit int) []types.Thread
	GetThread(ctx context.Context, threadID string) (types.ThreadDetail, error)
	Send(ctx context.Context, threadID, body string) (types.Message, error)
	Resend(ctx context.Context, threadID, messageID string) (types.Message, error)
	MarkRead(ctx context.Context, threadID string) (types.Thread, error)
	LinkAccount(ctx context.Context, kind types.ProviderKind, name, authHandle string) (types.Account, error)
	UnlinkAccount(ctx context.Context, accountID string) error
	SyncNow(accountID string) error
	Reactivate(ctx context.Context, accountID, authHandle string) (types.Account, error)
	Badges() types.Badges
	SearchMessages(ctx context.Context, q string, limit int) ([]query.MessageHit, error)
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry manages MCP tools
type Registry struct {
	logger *logrus.Logger
	inbox  Inbox
	now    func() time.Time
	tools  map[string]registeredTool
}

// NewRegistry creates a registry holding every client API tool
func NewRegistry(inbox Inbox, logger *logrus.Logger) (*Registry, error) {
	reg := &Registry{
		logger: logger,
		inbox:  inbox,
		now:    time.Now,
		tools:  make(map[string]registeredTool),
	}

	if err := reg.registerTools(); err != nil {
		return nil, err
	}

	return reg, nil
}

func (r *Registry) registerTools() error {
	toolList := []Tool{
		&listAccountsTool{inbox: r.inbox},
		&linkAccountTool{inbox: r.inbox},
		&unlinkAccountTool{inbox: r.inbox},
		&syncNowTool{inbox: r.inbox},
		&reactivateAccountTool{inbox: r.inbox},
		&listThreadsTool{inbox: r.inbox, now: r.clock},
		&getThreadTool{inbox: r.inbox, now: r.clock},
		&markReadTool{inbox: r.inbox},
		&badgesTool{inbox: r.inbox},
		&sendMessageTool{inbox: r.inbox},
		&resendMessageTool{inbox: r.inbox},
		&searchMessagesTool{inbox: r.inbox, now: r.clock},
	}

	for _, tool := range toolList {
		schema, err := compileSchema(tool)
		if err != nil {
			return err
		}
		r.tools[tool.Name()] = registeredTool{tool: tool, schema: schema}
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
	return nil
}

func (r *Registry) clock() time.Time {
	return r.now()
}

func compileSchema(tool Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.InputSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema of %s: %w", tool.Name(), err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema of %s: %w", tool.Name(), err)
	}
	url := "tool://" + tool.Name() + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema of %s: %w", tool.Name(), err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema of %s: %w", tool.Name(), err)
	}
	return schema, nil
}

// Call validates raw arguments against the tool's schema and executes it
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) (interface{}, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(arguments)) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(arguments))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := t.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	var params map[string]interface{}
	if err := json.Unmarshal(arguments, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	r.logger.WithField("tool", name).Debug("Calling tool")
	return t.tool.Execute(ctx, params)
}

// ListTools returns all registered tools ordered by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.tool)
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name() < tools[j].Name()
	})
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]interface{}, key string) int {
	f, _ := params[key].(float64)
	return int(f)
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

func idProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"minLength":   1,
		"description": description,
	}
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Package agent is the default delegate behind a persistent agent: a tool
// registry, attached dataset and software references, and an LLM tool loop
// that can call the registered tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/provider"
	"github.com/nidhogg/agentvault/internal/tool"
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrUnknownData     = errors.New("unknown data")
	ErrUnknownSoftware = errors.New("unknown software")
	ErrNoRouter        = errors.New("no provider router configured")

	// ErrInvalid marks a change rejected for its arguments alone.
	ErrInvalid = errors.New("invalid argument")
)

const (
	defaultMaxToolRounds = 5
	defaultSystemPrompt  = "You are a research assistant. Use the registered tools, datasets and software when they help answer the request."
)

// Library is a software reference attached to an engine.
type Library struct {
	Spec        string `json:"spec"`
	Description string `json:"description"`
	Installed   bool   `json:"installed"`
}

// Options configures an Engine. Router and Installer may be nil.
type Options struct {
	Model         string
	SystemPrompt  string
	MaxToolRounds int
	// Timeout bounds a whole Run. Zero leaves it to the caller's context.
	Timeout       time.Duration
	Router        *provider.Router
	Installer     Installer
	Logger        *zap.Logger
}

// Engine manages one agent's tools, data and software, and runs prompts.
type Engine struct {
	identity      string
	model         string
	systemPrompt  string
	maxToolRounds int
	timeout       time.Duration
	router        *provider.Router
	installer     Installer
	tools         *ToolRegistry
	builtins      *ToolRegistry
	data          map[string]string
	software      map[string]Library
	mu            sync.RWMutex
	logger        *zap.Logger
}

// NewEngine creates an engine for identity.
func NewEngine(identity string, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = defaultMaxToolRounds
	}
	e := &Engine{
		identity:      identity,
		model:         opts.Model,
		systemPrompt:  opts.SystemPrompt,
		maxToolRounds: opts.MaxToolRounds,
		timeout:       opts.Timeout,
		router:        opts.Router,
		installer:     opts.Installer,
		tools:         NewToolRegistry(),
		builtins:      NewToolRegistry(),
		data:          make(map[string]string),
		software:      make(map[string]Library),
		logger:        opts.Logger.With(zap.String("agent", identity)),
	}
	RegisterBuiltinTools(e.builtins, e)
	return e
}

// Tools returns the registry of user-added tools.
func (e *Engine) Tools() *ToolRegistry { return e.tools }

// AddTool registers t, replacing a tool with the same name.
func (e *Engine) AddTool(_ context.Context, t tool.Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("%w: tool name required", ErrInvalid)
	}
	if _, clash := e.builtins.Get(t.Name()); clash {
		return fmt.Errorf("%w: tool name %q is reserved", ErrInvalid, t.Name())
	}
	e.tools.Register(t)
	e.logger.Debug("added tool", zap.String("tool", t.Name()), zap.Bool("callable", tool.Callable(t)))
	return nil
}

// RemoveTool unregisters the named tool.
func (e *Engine) RemoveTool(_ context.Context, name string) error {
	if !e.tools.Remove(name) {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return nil
}

// ListTools returns the user-added tools sorted by name.
func (e *Engine) ListTools() []tool.Tool { return e.tools.List() }

// AddData attaches a dataset pointer.
func (e *Engine) AddData(_ context.Context, path, description string) error {
	if path == "" {
		return fmt.Errorf("%w: data path required", ErrInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[path] = description
	return nil
}

// RemoveData detaches a dataset pointer.
func (e *Engine) RemoveData(_ context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.data[path]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownData, path)
	}
	delete(e.data, path)
	return nil
}

// AddSoftware attaches a software reference, installing it first when
// install is set and an installer is configured. It reports whether the
// package is now installed.
func (e *Engine) AddSoftware(ctx context.Context, spec, description string, install bool) (bool, error) {
	if _, name := ParseSpec(spec); name == "" {
		return false, fmt.Errorf("%w: software spec required", ErrInvalid)
	}
	installed := false
	if install && e.installer != nil {
		if err := e.installer.Install(ctx, spec); err != nil {
			return false, fmt.Errorf("install %s: %w", spec, err)
		}
		installed = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.software[spec]; ok && prev.Installed {
		installed = true
	}
	e.software[spec] = Library{Spec: spec, Description: description, Installed: installed}
	return installed, nil
}

// RemoveSoftware detaches a software reference. Installed packages are left
// in place.
func (e *Engine) RemoveSoftware(_ context.Context, spec string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.software[spec]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSoftware, spec)
	}
	delete(e.software, spec)
	return nil
}

// Data returns the attached datasets as path -> description.
func (e *Engine) Data() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.data))
	for k, v := range e.data {
		out[k] = v
	}
	return out
}

// Software returns the attached software sorted by spec.
func (e *Engine) Software() []Library {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Library, 0, len(e.software))
	for _, l := range e.software {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec < out[j].Spec })
	return out
}

// RunResult holds the output of one Run.
type RunResult struct {
	Content string         `json:"content"`
	Chain   *ThinkingChain `json:"chain"`
	Usage   provider.Usage `json:"usage"`
}

// Run sends prompt to the model and executes tool calls until the model
// answers or the round limit is reached.
func (e *Engine) Run(ctx context.Context, prompt string) (*RunResult, error) {
	if e.router == nil {
		return nil, ErrNoRouter
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	chain := &ThinkingChain{
		ID:        uuid.New().String(),
		AgentID:   e.identity,
		StartedAt: time.Now(),
	}

	req := &provider.ChatRequest{
		Model:     e.model,
		Messages:  e.buildMessages(prompt),
		MaxTokens: 4096,
	}
	defs := append(e.builtins.Definitions(), e.tools.Definitions()...)
	if len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = "auto"
	}

	chain.add(StepReasoning, "Sending request to LLM")

	var usage provider.Usage
	var resp *provider.ChatResponse
	for round := 0; round < e.maxToolRounds; round++ {
		var err error
		resp, err = e.router.Route(ctx, req)
		if err != nil {
			return nil, err
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 || resp.FinishReason != "tool_calls" {
			break
		}

		chain.add(StepToolCall, fmt.Sprintf("Calling %d tool(s)", len(resp.ToolCalls)))
		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result, toolErr := e.execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if toolErr != nil {
				result = fmt.Sprintf(`{"error":%q}`, toolErr.Error())
			}
			chain.add(StepToolResult, fmt.Sprintf("%s → %s", tc.Function.Name, truncate(result, 200)))
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}

		e.logger.Debug("tool round complete",
			zap.Int("round", round+1),
			zap.Int("tool_calls", len(resp.ToolCalls)))
	}

	chain.Steps = append(chain.Steps, ThinkStep{
		Type:       StepResponse,
		Content:    resp.Content,
		Timestamp:  time.Now(),
		TokensUsed: usage.TotalTokens,
	})
	chain.Duration = time.Since(chain.StartedAt)

	return &RunResult{Content: resp.Content, Chain: chain, Usage: usage}, nil
}

func (e *Engine) execute(ctx context.Context, name, args string) (string, error) {
	if _, ok := e.tools.Get(name); ok {
		return e.tools.Execute(ctx, name, args)
	}
	return e.builtins.Execute(ctx, name, args)
}

func (e *Engine) buildMessages(prompt string) []provider.Message {
	var sys strings.Builder
	sys.WriteString(e.systemPrompt)

	if data := e.Data(); len(data) > 0 {
		paths := make([]string, 0, len(data))
		for p := range data {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		sys.WriteString("\n\nDatasets:")
		for _, p := range paths {
			fmt.Fprintf(&sys, "\n- %s: %s", p, data[p])
		}
	}
	if libs := e.Software(); len(libs) > 0 {
		sys.WriteString("\n\nSoftware:")
		for _, l := range libs {
			fmt.Fprintf(&sys, "\n- %s: %s", l.Spec, l.Description)
		}
	}

	return []provider.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: prompt},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

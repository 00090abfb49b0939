package agent

import (
	"context"
	"time"

	"github.com/nidhogg/agentvault/internal/tool"
)

// RegisterBuiltinTools adds the tools every engine offers. They describe the
// engine itself and are never persisted.
func RegisterBuiltinTools(reg *ToolRegistry, e *Engine) {
	reg.Register(tool.New("get_current_time", "Get the current time",
		func(context.Context, map[string]any) (any, error) {
			return map[string]string{"time": time.Now().Format(time.RFC3339)}, nil
		}))

	reg.Register(tool.New("list_data", "List the datasets attached to this agent",
		func(context.Context, map[string]any) (any, error) {
			return e.Data(), nil
		}))

	reg.Register(tool.New("list_software", "List the software packages attached to this agent",
		func(context.Context, map[string]any) (any, error) {
			return e.Software(), nil
		}))
}

package loop

import (
	"context"

	"github.com/agenthost/agenthost/internal/agent/tools"
	"github.com/agenthost/agenthost/internal/llm"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Jump targets a middleware may set to short-circuit the tick.
const (
	JumpNone  = ""
	JumpTools = "tools"
	JumpEnd   = "end"
)

// TickContext is the mutable view a middleware gets of the current tick.
type TickContext struct {
	Run      *v1.Run
	Messages []v1.Message

	// Proposed holds the model's tool calls with their stable call_N ids
	// assigned. Populated before the AfterModel chain runs.
	Proposed []v1.ToolCall

	// JumpTo short-circuits the tick: "tools" skips the model invocation,
	// "end" completes the run.
	JumpTo string
}

// Middleware extends the loop at its typed hook points. All hooks are
// optional. BeforeModel and ModifyModelRequest run in declaration order,
// AfterModel runs in reverse order.
type Middleware struct {
	Name string

	// Tools contributed to the run's registry. A tool name declared by two
	// middlewares is a conflict error at run start, never an override.
	Tools []tools.Tool

	BeforeModel        func(ctx context.Context, tc *TickContext) error
	ModifyModelRequest func(ctx context.Context, req *llm.Request) error

	// AfterModel may copy tc.Proposed into tc.Run.PendingToolCalls to gate
	// the batch behind a human approval; a non-empty pending set after the
	// chain pauses the run instead of executing the calls.
	AfterModel func(ctx context.Context, tc *TickContext, resp *llm.Response) error
}

// buildRegistry collects tool definitions from the middleware chain in
// declaration order. The first conflict aborts with a conflict error.
func buildRegistry(mws []Middleware) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	for _, mw := range mws {
		for _, t := range mw.Tools {
			if err := reg.Add(t); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// RequireApproval returns a middleware that pauses the run whenever the model
// proposes one of the named tools, holding the whole batch for approval.
func RequireApproval(toolNames ...string) Middleware {
	gated := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		gated[n] = true
	}
	return Middleware{
		Name: "require-approval",
		AfterModel: func(ctx context.Context, tc *TickContext, resp *llm.Response) error {
			for _, call := range tc.Proposed {
				if gated[call.Name] {
					tc.Run.PendingToolCalls = tc.Proposed
					return nil
				}
			}
			return nil
		},
	}
}

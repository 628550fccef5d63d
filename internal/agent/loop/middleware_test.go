package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/agent/tools"
	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/llm"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

func namedTool(name string) tools.Tool {
	return tools.Tool{Def: llm.ToolDef{Name: name}}
}

func TestBuildRegistryCollectsAcrossMiddlewares(t *testing.T) {
	reg, err := buildRegistry([]Middleware{
		{Name: "a", Tools: []tools.Tool{namedTool("one")}},
		{Name: "b", Tools: []tools.Tool{namedTool("two"), namedTool("three")}},
	})
	require.NoError(t, err)

	defs := reg.Defs()
	require.Len(t, defs, 3)
	assert.Equal(t, "one", defs[0].Name)
	assert.Equal(t, "three", defs[2].Name)
}

func TestBuildRegistryRejectsConflicts(t *testing.T) {
	_, err := buildRegistry([]Middleware{
		{Name: "a", Tools: []tools.Tool{namedTool("dup")}},
		{Name: "b", Tools: []tools.Tool{namedTool("dup")}},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
}

func TestRequireApprovalGatesWholeBatch(t *testing.T) {
	mw := RequireApproval("deploy")
	tc := &TickContext{
		Run: &v1.Run{Status: v1.RunStatusRunning},
		Proposed: []v1.ToolCall{
			{ID: "call_0", Name: "lookup"},
			{ID: "call_1", Name: "deploy"},
		},
	}

	require.NoError(t, mw.AfterModel(context.Background(), tc, &llm.Response{}))
	// One gated call holds every proposal of the batch.
	assert.Equal(t, tc.Proposed, tc.Run.PendingToolCalls)
}

func TestRequireApprovalIgnoresUngatedBatch(t *testing.T) {
	mw := RequireApproval("deploy")
	tc := &TickContext{
		Run:      &v1.Run{Status: v1.RunStatusRunning},
		Proposed: []v1.ToolCall{{ID: "call_0", Name: "lookup"}},
	}

	require.NoError(t, mw.AfterModel(context.Background(), tc, &llm.Response{}))
	assert.Empty(t, tc.Run.PendingToolCalls)
}

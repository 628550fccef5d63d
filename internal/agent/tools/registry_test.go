package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/llm"
)

func echoTool(name string) Tool {
	return Tool{
		Def: llm.ToolDef{Name: name, Description: "echoes its arguments"},
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(echoTool("echo")))

	err := r.Add(echoTool("echo"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
}

func TestAddRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	err := r.Add(echoTool(""))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
}

func TestDefsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(echoTool("beta")))
	require.NoError(t, r.Add(echoTool("alpha")))

	defs := r.Defs()
	require.Len(t, defs, 2)
	assert.Equal(t, "beta", defs[0].Name)
	assert.Equal(t, "alpha", defs[1].Name)
}

func TestValidateAgainstSchema(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("lookup")
	tool.Def.Schema = json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)
	require.NoError(t, r.Add(tool))

	require.NoError(t, r.Validate("lookup", json.RawMessage(`{"query":"weather"}`)))

	err := r.Validate("lookup", json.RawMessage(`{"other":1}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
}

func TestValidateWithoutSchemaAccepts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(echoTool("free")))
	assert.NoError(t, r.Validate("free", json.RawMessage(`{"anything":true}`)))
}

func TestInvokeUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestInvokeNormalizesEmptyArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(echoTool("echo")))

	out, err := r.Invoke(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestAddRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("broken")
	tool.Def.Schema = json.RawMessage(`{"type": 42}`)
	err := r.Add(tool)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
}

func TestTaskToolReturnsSpawnIntent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(TaskTool()))

	out, err := r.Invoke(context.Background(), TaskToolName,
		json.RawMessage(`{"description":"summarize the report","subagent_type":"worker","timeoutMs":5000}`))
	require.NoError(t, err)

	desc, ok := ParseSpawn(out)
	require.True(t, ok)
	assert.Equal(t, "summarize the report", desc.Description)
	assert.Equal(t, "worker", desc.SubagentType)
	assert.Equal(t, int64(5000), desc.TimeoutMs)
}

func TestTaskToolRequiresSubagentType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(TaskTool()))

	_, err := r.Invoke(context.Background(), TaskToolName,
		json.RawMessage(`{"description":"no class given"}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
}

func TestParseSpawnIgnoresPlainOutput(t *testing.T) {
	_, ok := ParseSpawn(json.RawMessage(`{"result":"plain"}`))
	assert.False(t, ok)
	_, ok = ParseSpawn(nil)
	assert.False(t, ok)
}

package tools

import (
	"context"
	"encoding/json"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/llm"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// TaskToolName is the built-in sub-agent spawn tool.
const TaskToolName = "task"

var taskSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"description": {
			"type": "string",
			"description": "Initial user message for the sub-agent"
		},
		"subagent_type": {
			"type": "string",
			"description": "Agent class to spawn"
		},
		"timeoutMs": {
			"type": "integer",
			"minimum": 0
		}
	},
	"required": ["description", "subagent_type"]
}`)

// TaskTool returns the built-in task tool. Instead of producing a plain
// result it returns a spawn intent; the loop allocates the child thread,
// pauses the parent, and delivers the child's report as this call's tool
// message.
func TaskTool() Tool {
	return Tool{
		Def: llm.ToolDef{
			Name:        TaskToolName,
			Description: "Delegate a task to a sub-agent and wait for its report",
			Schema:      taskSchema,
		},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var desc v1.SpawnDescriptor
			if err := json.Unmarshal(args, &desc); err != nil {
				return nil, apperrors.InvalidRequest("invalid task arguments: " + err.Error())
			}
			return SpawnResult(desc)
		},
	}
}

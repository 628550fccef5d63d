package chat

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/db"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

func newTestStore(t *testing.T) (*Store, *storage.InstanceStore) {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := storage.New(sqlDB)
	require.NoError(t, err)
	ist := store.Instance("support", "alice")
	return NewStore(ist), ist
}

func userMessage(id, text string) v1.Message {
	return v1.Message{ID: id, Role: v1.RoleUser, Parts: []v1.Part{v1.TextPart(text)}}
}

func TestPersistInsertsInOrder(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Persist([]v1.Message{
		userMessage("m1", "first"),
		userMessage("m2", "second"),
	}))

	msgs, err := s.List()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestPersistUpsertsByID(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Persist([]v1.Message{
		userMessage("m1", "original"),
		userMessage("m2", "second"),
	}))
	require.NoError(t, s.Persist([]v1.Message{userMessage("m1", "edited")}))

	msgs, err := s.List()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Updates keep the original position.
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "edited", msgs[0].Text())
}

func TestPersistMergesToolResultIntoStoredAssistant(t *testing.T) {
	s, _ := newTestStore(t)

	toolPart := v1.ToolPart("search", "call_0", v1.PartStateInputAvailable)
	toolPart.Input = json.RawMessage(`{"query":"weather"}`)
	stored := v1.Message{
		ID:    "a1",
		Role:  v1.RoleAssistant,
		Parts: []v1.Part{v1.TextPart("Let me check."), toolPart},
	}
	require.NoError(t, s.Persist([]v1.Message{stored}))

	// The client echoes a fresh message id carrying only the finished tool
	// part. It must fold into the stored assistant message, not duplicate it.
	result := v1.ToolPart("search", "call_0", v1.PartStateOutputAvailable)
	result.Output = json.RawMessage(`{"tempC":21}`)
	incoming := v1.Message{ID: "client-generated", Role: v1.RoleAssistant, Parts: []v1.Part{result}}
	require.NoError(t, s.Persist([]v1.Message{incoming}))

	msgs, err := s.List()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a1", msgs[0].ID)

	part := msgs[0].FindToolPart("call_0")
	require.NotNil(t, part)
	assert.Equal(t, v1.PartStateOutputAvailable, part.State)
	assert.JSONEq(t, `{"tempC":21}`, string(part.Output))
	// Non-tool parts of the stored message survive the merge.
	assert.Equal(t, "Let me check.", msgs[0].Text())
}

func TestPersistNoMergeWithoutMatchingCall(t *testing.T) {
	s, _ := newTestStore(t)

	result := v1.ToolPart("search", "call_9", v1.PartStateOutputAvailable)
	result.Output = json.RawMessage(`{}`)
	incoming := v1.Message{ID: "x1", Role: v1.RoleAssistant, Parts: []v1.Part{result}}
	require.NoError(t, s.Persist([]v1.Message{incoming}))

	msgs, err := s.List()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "x1", msgs[0].ID)
}

func TestPersistNoMergeForMultiToolMessages(t *testing.T) {
	s, _ := newTestStore(t)

	first := v1.ToolPart("search", "call_0", v1.PartStateInputAvailable)
	stored := v1.Message{ID: "a1", Role: v1.RoleAssistant, Parts: []v1.Part{first}}
	require.NoError(t, s.Persist([]v1.Message{stored}))

	// Two tool parts disqualify the merge rule; the message inserts as new.
	p1 := v1.ToolPart("search", "call_0", v1.PartStateOutputAvailable)
	p2 := v1.ToolPart("search", "call_1", v1.PartStateOutputAvailable)
	incoming := v1.Message{ID: "a2", Role: v1.RoleAssistant, Parts: []v1.Part{p1, p2}}
	require.NoError(t, s.Persist([]v1.Message{incoming}))

	msgs, err := s.List()
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestApplyToolResult(t *testing.T) {
	s, _ := newTestStore(t)

	part := v1.ToolPart("lookup", "call_3", v1.PartStateInputAvailable)
	require.NoError(t, s.Persist([]v1.Message{
		{ID: "a1", Role: v1.RoleAssistant, Parts: []v1.Part{part}},
	}))

	updated, err := s.ApplyToolResult("call_3", json.RawMessage(`{"found":true}`))
	require.NoError(t, err)
	assert.Equal(t, "a1", updated.ID)

	got := updated.FindToolPart("call_3")
	require.NotNil(t, got)
	assert.Equal(t, v1.PartStateOutputAvailable, got.State)
	assert.JSONEq(t, `{"found":true}`, string(got.Output))

	// Updates land in storage, not just the returned copy.
	msgs, err := s.List()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, v1.PartStateOutputAvailable, msgs[0].FindToolPart("call_3").State)
}

func TestApplyToolResultUnknownCall(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.ApplyToolResult("call_404", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestStripItemIDs(t *testing.T) {
	msg := v1.Message{
		ID:   "m1",
		Role: v1.RoleAssistant,
		Parts: []v1.Part{
			{
				Type: "text",
				Text: "hi",
				ProviderMetadata: map[string]any{
					"itemId": "item_abc",
					"openai": map[string]any{"itemId": "item_def", "cached": true},
					"other":  "keep",
				},
			},
			{
				Type:       "tool-search",
				ToolCallID: "call_0",
				CallProviderMetadata: map[string]any{
					"openai": map[string]any{"itemId": "item_xyz"},
				},
			},
		},
	}

	StripItemIDs(&msg)

	meta := msg.Parts[0].ProviderMetadata
	assert.NotContains(t, meta, "itemId")
	assert.Equal(t, "keep", meta["other"])
	nested := meta["openai"].(map[string]any)
	assert.NotContains(t, nested, "itemId")
	assert.Equal(t, true, nested["cached"])

	callMeta := msg.Parts[1].CallProviderMetadata["openai"].(map[string]any)
	assert.NotContains(t, callMeta, "itemId")
}

func TestClearRemovesMessagesAndStreams(t *testing.T) {
	s, ist := newTestStore(t)

	require.NoError(t, s.Persist([]v1.Message{userMessage("m1", "hello")}))
	require.NoError(t, ist.CreateStream("s1"))

	require.NoError(t, s.Clear())

	msgs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = ist.GetStream("s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

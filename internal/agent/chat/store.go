// Package chat persists agent conversation histories. Persisting applies
// upsert-by-id semantics with a tool-part merge rule that prevents duplicate
// assistant messages when client-executed tool results come back, and strips
// provider item identifiers that would be rejected on replay.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/agenthost/agenthost/internal/common/errors"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Store reads and writes one instance's message history.
type Store struct {
	st *storage.InstanceStore
}

// NewStore creates a chat store over the instance's storage.
func NewStore(st *storage.InstanceStore) *Store {
	return &Store{st: st}
}

// Persist applies the merge rule set to each message in order:
//
//  1. A stored message with the same id is overwritten (upsert).
//  2. An assistant message whose only tool part is output-available with
//     toolCallId T merges into the stored assistant message holding the tool
//     part for T, keeping the stored message's id.
//  3. Anything else is inserted as new.
//
// Provider item identifiers are stripped before the write.
func (s *Store) Persist(msgs []v1.Message) error {
	for i := range msgs {
		msg := msgs[i]
		StripItemIDs(&msg)

		if err := s.persistOne(&msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) persistOne(msg *v1.Message) error {
	_, err := s.st.GetMessage(msg.ID)
	switch {
	case err == nil:
		return s.put(msg)
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	if callID, ok := mergeCandidate(msg); ok {
		target, found, err := s.findAssistantWithToolCall(callID)
		if err != nil {
			return err
		}
		if found {
			mergeToolPart(target, msg)
			return s.put(target)
		}
	}

	return s.put(msg)
}

// mergeCandidate reports whether msg is an assistant message containing
// exactly one tool part in output-available state, returning its call id.
func mergeCandidate(msg *v1.Message) (string, bool) {
	if msg.Role != v1.RoleAssistant {
		return "", false
	}
	var tool *v1.Part
	for i := range msg.Parts {
		if msg.Parts[i].IsToolPart() {
			if tool != nil {
				return "", false
			}
			tool = &msg.Parts[i]
		}
	}
	if tool == nil || tool.State != v1.PartStateOutputAvailable || tool.ToolCallID == "" {
		return "", false
	}
	return tool.ToolCallID, true
}

// mergeToolPart copies the incoming tool part (with its output) over the
// matching part of the stored message.
func mergeToolPart(stored, incoming *v1.Message) {
	for i := range incoming.Parts {
		in := &incoming.Parts[i]
		if !in.IsToolPart() {
			continue
		}
		if p := stored.FindToolPart(in.ToolCallID); p != nil {
			*p = *in
		}
	}
}

// findAssistantWithToolCall scans the stored history for the assistant
// message holding a tool part with the given call id. Tool call ids are
// unique across the history, so the first hit is the only one.
func (s *Store) findAssistantWithToolCall(callID string) (*v1.Message, bool, error) {
	msgs, err := s.List()
	if err != nil {
		return nil, false, err
	}
	for i := range msgs {
		if msgs[i].Role != v1.RoleAssistant {
			continue
		}
		if msgs[i].FindToolPart(callID) != nil {
			return &msgs[i], true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) put(msg *v1.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.st.UpsertMessage(msg.ID, payload)
}

// List returns the stored history in insertion order.
func (s *Store) List() ([]v1.Message, error) {
	rows, err := s.st.ListMessages()
	if err != nil {
		return nil, err
	}
	msgs := make([]v1.Message, 0, len(rows))
	for _, row := range rows {
		var m v1.Message
		if err := json.Unmarshal(row, &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ApplyToolResult finds the stored assistant message holding the tool part
// with the given call id, flips it to output-available with the supplied
// output, and returns the updated message. It never creates a new message.
func (s *Store) ApplyToolResult(toolCallID string, output json.RawMessage) (*v1.Message, error) {
	target, found, err := s.findAssistantWithToolCall(toolCallID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NotFound(fmt.Sprintf("no assistant message with tool call %s", toolCallID))
	}
	part := target.FindToolPart(toolCallID)
	part.State = v1.PartStateOutputAvailable
	part.Output = output
	part.ErrorText = ""
	if err := s.put(target); err != nil {
		return nil, err
	}
	return target, nil
}

// Clear deletes all messages and all streams for the instance.
func (s *Store) Clear() error {
	if err := s.st.DeleteMessages(); err != nil {
		return err
	}
	return s.st.DeleteStreams()
}

// StripItemIDs removes provider item identifiers from the message's provider
// metadata and from tool parts' call provider metadata, preserving sibling
// metadata. Stale item ids trigger "duplicate item" provider errors when a
// stored history is replayed.
func StripItemIDs(msg *v1.Message) {
	for i := range msg.Parts {
		msg.Parts[i].ProviderMetadata = stripItemID(msg.Parts[i].ProviderMetadata)
		msg.Parts[i].CallProviderMetadata = stripItemID(msg.Parts[i].CallProviderMetadata)
	}
}

// stripItemID drops "itemId" keys at the top level and one provider-namespace
// level down (e.g. providerMetadata.openai.itemId).
func stripItemID(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, val := range meta {
		if k == "itemId" {
			continue
		}
		if nested, ok := val.(map[string]any); ok {
			inner := make(map[string]any, len(nested))
			for nk, nv := range nested {
				if nk == "itemId" {
					continue
				}
				inner[nk] = nv
			}
			out[k] = inner
			continue
		}
		out[k] = val
	}
	return out
}

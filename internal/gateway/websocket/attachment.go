package websocket

import (
	"encoding/json"
	"net/url"
	"sort"

	"github.com/agenthost/agenthost/internal/storage"
)

// Attachment is the durable per-connection metadata. It is persisted with the
// connection id before any message is delivered, so capability flags survive
// hibernation without any in-memory cache.
type Attachment struct {
	Readonly   bool     `json:"readonly,omitempty"`
	NoProtocol bool     `json:"noProtocol,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// AttachmentFromQuery derives the attachment from connect query parameters:
// readonly=true|false, protocol=true|false; every other parameter surfaces as
// a "key=value" tag.
func AttachmentFromQuery(query url.Values) Attachment {
	att := Attachment{}
	var tags []string
	for key, values := range query {
		switch key {
		case "readonly":
			att.Readonly = len(values) > 0 && values[0] == "true"
		case "protocol":
			att.NoProtocol = len(values) > 0 && values[0] == "false"
		default:
			for _, v := range values {
				tags = append(tags, key+"="+v)
			}
		}
	}
	sort.Strings(tags)
	att.Tags = tags
	return att
}

// SaveAttachment persists the attachment under the connection id.
func SaveAttachment(st *storage.InstanceStore, connID string, att Attachment) error {
	data, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return st.PutAttachment(connID, data)
}

// LoadAttachment reads a connection's attachment back from storage.
func LoadAttachment(st *storage.InstanceStore, connID string) (Attachment, error) {
	data, err := st.GetAttachment(connID)
	if err != nil {
		return Attachment{}, err
	}
	var att Attachment
	if err := json.Unmarshal(data, &att); err != nil {
		return Attachment{}, err
	}
	return att, nil
}

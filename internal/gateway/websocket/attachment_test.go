package websocket

import (
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/db"
	"github.com/agenthost/agenthost/internal/storage"
)

func TestAttachmentFromQueryDefaults(t *testing.T) {
	att := AttachmentFromQuery(url.Values{})
	assert.False(t, att.Readonly)
	assert.False(t, att.NoProtocol)
	assert.Empty(t, att.Tags)
}

func TestAttachmentFromQueryFlags(t *testing.T) {
	att := AttachmentFromQuery(url.Values{
		"readonly": {"true"},
		"protocol": {"false"},
	})
	assert.True(t, att.Readonly)
	assert.True(t, att.NoProtocol)
}

func TestAttachmentFromQueryIgnoresNonTrueReadonly(t *testing.T) {
	att := AttachmentFromQuery(url.Values{
		"readonly": {"1"},
		"protocol": {"true"},
	})
	assert.False(t, att.Readonly)
	assert.False(t, att.NoProtocol)
}

func TestAttachmentFromQueryCollectsTags(t *testing.T) {
	att := AttachmentFromQuery(url.Values{
		"session": {"abc"},
		"app":     {"dashboard"},
	})
	// Tags are sorted so the persisted form is deterministic.
	assert.Equal(t, []string{"app=dashboard", "session=abc"}, att.Tags)
}

func TestAttachmentRoundTrip(t *testing.T) {
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	store, err := storage.New(sqlDB)
	require.NoError(t, err)
	ist := store.Instance("support", "alice")

	want := Attachment{Readonly: true, Tags: []string{"app=dashboard"}}
	require.NoError(t, SaveAttachment(ist, "conn-1", want))

	got, err := LoadAttachment(ist, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, ist.DeleteAttachment("conn-1"))
	_, err = LoadAttachment(ist, "conn-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

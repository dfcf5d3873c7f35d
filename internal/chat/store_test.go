package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/chatcore/internal/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, sec int) types.Message {
	return types.Message{
		ID:             id,
		ConversationID: "c1",
		Content:        id,
		Kind:           types.KindText,
		Timestamp:      t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStoreAppendDedupes(t *testing.T) {
	s := NewStore()
	m := msgAt("a", 1)
	m.ClientID = "local-a"

	assert.True(t, s.Append(m))
	assert.False(t, s.Append(m))

	byClient := msgAt("other", 2)
	byClient.ClientID = "local-a"
	assert.False(t, s.Append(byClient), "client id collision is a duplicate")
	assert.Equal(t, 1, s.Len())
}

func TestStoreOrdersByTimestampThenInsertion(t *testing.T) {
	s := NewStore()
	s.Append(msgAt("b", 2))
	s.Append(msgAt("a", 1))
	s.Append(msgAt("c", 2))
	s.Append(msgAt("d", 3))

	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(s.ListNewestFirst()))
}

func TestStorePrependPlacesOlderBelow(t *testing.T) {
	s := NewStore()
	s.Append(msgAt("n1", 10))
	s.Append(msgAt("n2", 11))

	added := s.Prepend([]types.Message{msgAt("o3", 5), msgAt("o2", 4), msgAt("n1", 10), msgAt("o1", 3)})
	assert.Equal(t, []string{"o3", "o2", "o1"}, added)
	assert.Equal(t, []string{"n2", "n1", "o3", "o2", "o1"}, ids(s.ListNewestFirst()))
}

func TestStorePrependTiesStayBelowExisting(t *testing.T) {
	s := NewStore()
	s.Append(msgAt("new", 5))
	s.Prepend([]types.Message{msgAt("old", 5)})

	assert.Equal(t, []string{"new", "old"}, ids(s.ListNewestFirst()))
}

func TestStoreUpdateByIDIsPartial(t *testing.T) {
	s := NewStore()
	m := msgAt("local-1", 1)
	m.Media = &types.Media{Duration: 3}
	s.Append(m)

	s.UpdateByID("local-1", func(m *types.Message) { m.Upload.Progress = 40 })
	s.UpdateByID("local-1", func(m *types.Message) { m.Media.URL = "https://cdn/x.m4a" })
	require.True(t, s.UpdateByID("local-1", func(m *types.Message) { m.ID = "hijack" }))

	got, ok := s.Get("local-1")
	require.True(t, ok)
	assert.Equal(t, 40, got.Upload.Progress)
	assert.Equal(t, "https://cdn/x.m4a", got.Media.URL)
	assert.Equal(t, 3.0, got.Media.Duration)
	assert.Equal(t, "local-1", got.ID, "ids only change through ReplaceID")
	assert.False(t, s.UpdateByID("missing", func(*types.Message) {}))
}

func TestStoreReplaceIDKeepsPosition(t *testing.T) {
	s := NewStore()
	s.Append(msgAt("local-1", 1))
	s.Append(msgAt("local-2", 2))

	require.True(t, s.ReplaceID("local-1", "srv-1"))
	assert.Equal(t, []string{"local-2", "srv-1"}, ids(s.ListNewestFirst()))

	got, ok := s.Get("local-1")
	require.True(t, ok, "old id still resolves")
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, "local-1", got.ClientID)
}

func TestStoreReplaceIDDropsRacingEcho(t *testing.T) {
	s := NewStore()
	local := msgAt("local-1", 1)
	local.ClientID = "local-1"
	s.Append(local)
	s.Append(msgAt("peer", 2))
	s.Append(msgAt("srv-1", 3))

	require.True(t, s.ReplaceID("local-1", "srv-1"))
	assert.Equal(t, []string{"peer", "srv-1"}, ids(s.ListNewestFirst()))
	assert.Equal(t, 2, s.Len())
}

func TestStoreRemoveAndWatch(t *testing.T) {
	s := NewStore()
	var ops []ChangeOp
	stop := s.Watch(func(c Change) { ops = append(ops, c.Op) })

	s.Append(msgAt("a", 1))
	removed, ok := s.RemoveByID("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.ID)
	_, ok = s.RemoveByID("a")
	assert.False(t, ok)

	stop()
	s.Append(msgAt("b", 2))
	assert.Equal(t, []ChangeOp{OpAppend, OpRemove}, ops)
}

func TestStoreIndexNewestFirst(t *testing.T) {
	s := NewStore()
	s.Append(msgAt("a", 1))
	s.Append(msgAt("b", 2))
	s.Append(msgAt("c", 3))

	assert.Equal(t, 0, s.IndexNewestFirst("c"))
	assert.Equal(t, 2, s.IndexNewestFirst("a"))
	assert.Equal(t, -1, s.IndexNewestFirst("zz"))
}

func TestStoreMarkRead(t *testing.T) {
	s := NewStore()
	a := msgAt("a", 1)
	a.SenderID = "me"
	b := msgAt("b", 2)
	b.SenderID = "peer"
	s.Append(a)
	s.Append(b)

	got := s.MarkRead(func(m *types.Message) bool { return m.SenderID == "me" })
	assert.Equal(t, []string{"a"}, got)
	assert.Empty(t, s.MarkRead(func(m *types.Message) bool { return m.SenderID == "me" }))
}

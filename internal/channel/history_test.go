package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/internal/models"
)

func newTestMessage(t *testing.T, channelName, text string) models.Message {
	t.Helper()
	return *models.NewMessage(channelName, models.SenderAgent, models.Notification{
		Text:     text,
		Priority: models.PriorityNormal,
	})
}

func TestHistoryAppendAndSnapshot(t *testing.T) {
	h := NewHistory("test", 10)
	m1 := newTestMessage(t, "test", "one")
	m2 := newTestMessage(t, "test", "two")
	h.Append(m1)
	h.Append(m2)

	snap := h.Snapshot(0)
	require.Len(t, snap, 2)
	assert.Equal(t, m1.ID, snap[0].ID)
	assert.Equal(t, m2.ID, snap[1].ID)
}

func TestHistoryBoundedEviction(t *testing.T) {
	h := NewHistory("test", 3)
	var ids []string
	for i := 0; i < 5; i++ {
		m := newTestMessage(t, "test", "msg")
		ids = append(ids, m.ID.String())
		h.Append(m)
	}

	assert.Equal(t, 3, h.Len())
	snap := h.Snapshot(0)
	require.Len(t, snap, 3)
	// oldest two evicted; only the last three ids remain, in order.
	assert.Equal(t, ids[2], snap[0].ID.String())
	assert.Equal(t, ids[3], snap[1].ID.String())
	assert.Equal(t, ids[4], snap[2].ID.String())

	// evicted ids are no longer reachable by id.
	_, ok := h.ByID(ids[0])
	assert.False(t, ok)
	_, ok = h.ByID(ids[4])
	assert.True(t, ok)
}

func TestHistorySnapshotLimit(t *testing.T) {
	h := NewHistory("test", 10)
	for i := 0; i < 5; i++ {
		h.Append(newTestMessage(t, "test", "msg"))
	}
	snap := h.Snapshot(2)
	assert.Len(t, snap, 2)
}

func TestHistoryDefaultCapacity(t *testing.T) {
	h := NewHistory("test", 0)
	assert.Equal(t, DefaultHistoryCapacity, h.capacity)
}

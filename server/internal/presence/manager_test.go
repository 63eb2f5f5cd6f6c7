package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetsync/server/internal/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSubmitIsLastWriterWinsAndPublished(t *testing.T) {
	var published []*model.PresenceUpdate
	m := NewManager(Options{Publisher: func(u *model.PresenceUpdate) { published = append(published, u) }})

	updates, cancel := m.Subscribe("rec_t.r1", 0)
	defer cancel()

	require.NoError(t, m.Submit("rec_t.r1", "c1", json.RawMessage(`{"cell":"A1"}`)))
	require.NoError(t, m.Submit("rec_t.r1", "c1", json.RawMessage(`{"cell":"B2"}`)))

	assert.JSONEq(t, `{"cell":"B2"}`, string(m.Snapshot("rec_t.r1")["c1"]))
	assert.Len(t, published, 2)

	first := <-updates
	second := <-updates
	assert.JSONEq(t, `{"cell":"A1"}`, string(first.Value))
	assert.JSONEq(t, `{"cell":"B2"}`, string(second.Value))
}

func TestSubmitNullClearsState(t *testing.T) {
	m := NewManager(Options{})
	require.NoError(t, m.Submit("ch", "c1", json.RawMessage(`1`)))
	require.NoError(t, m.Submit("ch", "c1", json.RawMessage(`null`)))
	assert.Empty(t, m.Snapshot("ch"))

	channels, states, _ := m.Stats()
	assert.Zero(t, channels)
	assert.Zero(t, states)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	m := NewManager(Options{})
	assert.True(t, model.IsKind(m.Submit("", "c1", nil), model.KindProtocol))
	assert.True(t, model.IsKind(m.Submit("ch", "c1", json.RawMessage(`{bad`)), model.KindProtocol))
}

func TestRemoveConnectionNotifiesEveryChannel(t *testing.T) {
	var published []*model.PresenceUpdate
	m := NewManager(Options{Publisher: func(u *model.PresenceUpdate) { published = append(published, u) }})
	require.NoError(t, m.Submit("a", "c1", json.RawMessage(`1`)))
	require.NoError(t, m.Submit("b", "c1", json.RawMessage(`2`)))
	require.NoError(t, m.Submit("b", "c2", json.RawMessage(`3`)))

	updates, cancel := m.Subscribe("b", 0)
	defer cancel()

	assert.Equal(t, 2, m.RemoveConnection("c1"))
	assert.Equal(t, 0, m.RemoveConnection("c1"))

	u := <-updates
	assert.True(t, u.Removed)
	assert.Equal(t, "c1", u.ConnID)
	assert.Equal(t, map[string]json.RawMessage{"c2": json.RawMessage(`3`)}, m.Snapshot("b"))
	assert.Len(t, published, 5)
}

func TestApplyIgnoresOutOfOrderRemoteState(t *testing.T) {
	m := NewManager(Options{})
	t0 := time.Now()
	m.Apply(&model.PresenceUpdate{Channel: "ch", ConnID: "remote", Value: json.RawMessage(`2`), At: t0.Add(time.Second)})
	m.Apply(&model.PresenceUpdate{Channel: "ch", ConnID: "remote", Value: json.RawMessage(`1`), At: t0})
	assert.Equal(t, json.RawMessage(`2`), m.Snapshot("ch")["remote"])
}

func TestSweepExpiresStaleStates(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	m := NewManager(Options{TTL: time.Minute, Now: c.Now})
	require.NoError(t, m.Submit("ch", "old", json.RawMessage(`1`)))
	c.Advance(45 * time.Second)
	require.NoError(t, m.Submit("ch", "fresh", json.RawMessage(`2`)))
	c.Advance(30 * time.Second)

	assert.Equal(t, 1, m.Sweep())
	snap := m.Snapshot("ch")
	assert.Contains(t, snap, "fresh")
	assert.NotContains(t, snap, "old")
}

func TestSweepKeepsLiveLocalConnections(t *testing.T) {
	c := &clock{now: time.Unix(1000, 0)}
	live := map[string]bool{"local": true}
	m := NewManager(Options{TTL: time.Minute, Now: c.Now, Live: func(id string) bool { return live[id] }})
	require.NoError(t, m.Submit("ch", "local", json.RawMessage(`1`)))
	m.Apply(&model.PresenceUpdate{Channel: "ch", ConnID: "remote", Value: json.RawMessage(`2`), At: c.Now()})
	c.Advance(2 * time.Minute)

	assert.Equal(t, 1, m.Sweep())
	snap := m.Snapshot("ch")
	assert.Contains(t, snap, "local")
	assert.NotContains(t, snap, "remote")

	delete(live, "local")
	assert.Equal(t, 1, m.Sweep())
	assert.Empty(t, m.Snapshot("ch"))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager(Options{})
	_, cancel := m.Subscribe("ch", 1)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Submit("ch", "c1", json.RawMessage(`1`)))
	}
	cancel()
	cancel()

	_, _, dropped := m.Stats()
	assert.Equal(t, int64(4), dropped)
}

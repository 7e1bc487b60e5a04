package dmsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelineApply(t *testing.T) {
	t.Run("appends unknown ids in arrival order", func(t *testing.T) {
		tl := newTimeline("r1")
		assert.True(t, tl.Apply(newMsg("1", alice, bob, "a")))
		assert.True(t, tl.Apply(newMsg("2", bob, alice, "b")))
		assert.Equal(t, []string{"1", "2"}, msgIDs(tl.All()))
	})

	t.Run("applying twice is idempotent", func(t *testing.T) {
		tl := newTimeline("r1")
		tl.Apply(newMsg("1", alice, bob, "a"))
		update := newMsg("2", bob, alice, "b")
		update.Reactions = Reactions{"👍": NewParticipantSet(alice)}

		tl.Apply(update)
		once := tl.All()
		assert.False(t, tl.Apply(update))
		assert.Equal(t, once, tl.All())
	})

	t.Run("update keeps position", func(t *testing.T) {
		tl := newTimeline("r1")
		tl.Load([]*Message{newMsg("1", alice, bob, "first"), newMsg("2", bob, alice, "second")})

		edited := newMsg("2", bob, alice, "second")
		edited.EditedContent = "second, edited"
		assert.False(t, tl.Apply(edited))

		all := tl.All()
		require.Equal(t, []string{"1", "2"}, msgIDs(all))
		assert.Equal(t, "first", all[0].Text())
		assert.Equal(t, "second, edited", all[1].Text())
	})

	t.Run("stored copy is detached from input", func(t *testing.T) {
		tl := newTimeline("r1")
		in := newMsg("1", alice, bob, "a")
		tl.Apply(in)
		in.Content = "mutated"
		assert.Equal(t, "a", tl.Get("1").Content)
	})
}

func TestTimelineLoad(t *testing.T) {
	tl := newTimeline("r1")
	tl.Apply(newMsg("old", alice, bob, "gone after load"))

	tl.Load([]*Message{
		newMsg("1", alice, bob, "a"),
		nil,
		{Content: "no id"},
		newMsg("2", bob, alice, "b"),
		newMsg("1", alice, bob, "a2"),
	})

	assert.Equal(t, []string{"1", "2"}, msgIDs(tl.All()))
	assert.Equal(t, "a2", tl.Get("1").Content)
	assert.Nil(t, tl.Get("old"))

	// events after a history load merge by id
	tl.Apply(newMsg("2", bob, alice, "b2"))
	assert.Equal(t, []string{"1", "2"}, msgIDs(tl.All()))
	assert.Equal(t, "b2", tl.Get("2").Content)
}

func TestTimelineDeleteForMe(t *testing.T) {
	tl := newTimeline("r1")
	tl.Load([]*Message{newMsg("1", alice, bob, "a"), newMsg("2", bob, alice, "b")})

	require.True(t, tl.MarkDeletedFor("2", alice))

	assert.Equal(t, []string{"1"}, msgIDs(tl.Visible(alice)))
	forBob := tl.Visible(bob)
	require.Equal(t, []string{"1", "2"}, msgIDs(forBob))
	assert.Equal(t, "b", forBob[1].Text())
	assert.Equal(t, 2, tl.Len())
}

func TestTimelineLastVisible(t *testing.T) {
	tl := newTimeline("r1")
	assert.Nil(t, tl.LastVisible(alice))

	tl.Load([]*Message{newMsg("1", bob, alice, "hello"), newMsg("2", bob, alice, "secret")})
	require.True(t, tl.MarkDeletedFor("2", alice))

	assert.Equal(t, "1", tl.LastVisible(alice).ID)
	assert.Equal(t, "2", tl.LastVisible(bob).ID)

	require.True(t, tl.MarkDeletedFor("1", alice))
	assert.Nil(t, tl.LastVisible(alice))
}

func TestTimelineDeleteForEveryone(t *testing.T) {
	tl := newTimeline("r1")
	m := newMsg("1", alice, bob, "secret")
	m.EditedContent = "edited secret"
	m.ReplyTo = &ReplyRef{ID: "0", Sender: bob, Content: "quote"}
	m.Reactions = Reactions{"👍": NewParticipantSet(bob)}
	tl.Apply(m)

	require.True(t, tl.MarkDeletedForEveryone("1"))

	for _, viewer := range []string{alice, bob, carol} {
		vis := tl.Visible(viewer)
		require.Len(t, vis, 1, viewer)
		got := vis[0]
		assert.Equal(t, "1", got.ID)
		assert.Empty(t, got.Content)
		assert.Empty(t, got.Reactions.Visible())
		assert.Nil(t, got.ReplyTo)
		assert.Equal(t, Placeholder, got.Text())
		assert.False(t, got.Edited())
	}

	t.Run("redacted on arrival", func(t *testing.T) {
		tl := newTimeline("r1")
		in := newMsg("9", bob, alice, "leak")
		in.DeletedForEveryone = true
		tl.Apply(in)
		assert.Empty(t, tl.Get("9").Content)
	})

	t.Run("edits after redaction are ignored", func(t *testing.T) {
		assert.False(t, tl.SetEdited("1", "again"))
	})
}

func TestTimelineMarkSeen(t *testing.T) {
	tl := newTimeline("r1")
	tl.Load([]*Message{
		newMsg("1", alice, bob, "a"),
		newMsg("2", bob, alice, "b"),
		newMsg("3", alice, bob, "c"),
	})

	assert.Equal(t, 1, tl.MarkSeen(bob, []string{"1", "missing"}))
	assert.Equal(t, 1, tl.MarkSeen(bob, nil))
	assert.Equal(t, 0, tl.MarkSeen(bob, nil))
	assert.Equal(t, StatusSent, tl.Get("2").Status)
	assert.Equal(t, StatusSeen, tl.Get("3").Status)
}

func TestSnapshotTruncates(t *testing.T) {
	long := make([]rune, 250)
	for i := range long {
		long[i] = 'é'
	}
	m := newMsg("1", bob, alice, string(long))
	ref := m.Snapshot()
	assert.Equal(t, 200, len([]rune(ref.Content)))
	assert.Equal(t, bob, ref.Sender)

	// the snapshot is a copy
	m.Content = "changed"
	assert.NotEqual(t, "changed", ref.Content)
}

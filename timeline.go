package dmsync

// Timeline is the ordered, deduplicated message sequence of one room.
//
// Merge rule: a message whose id is unknown is appended (push order is assumed to be
// chronological); a known id is replaced in place so edits, reaction updates and
// delete markers never reorder the sequence. Applying the same message twice leaves
// the timeline unchanged.
type Timeline struct {
	roomID string
	order  []*Message
	index  map[string]int
}

func newTimeline(roomID string) *Timeline {
	return &Timeline{roomID: roomID, index: make(map[string]int)}
}

// RoomID returns the room this timeline belongs to.
func (t *Timeline) RoomID() string { return t.roomID }

// Len returns the number of stored messages, including ones hidden for some viewer.
func (t *Timeline) Len() int { return len(t.order) }

// Apply merges an incoming message and reports whether it was appended.
func (t *Timeline) Apply(in *Message) bool {
	m := normalize(in)
	if i, ok := t.index[m.ID]; ok {
		t.order[i] = m
		return false
	}
	t.index[m.ID] = len(t.order)
	t.order = append(t.order, m)
	return true
}

// Load replaces the whole sequence with history. Duplicate ids in history keep the
// first position and the last content.
func (t *Timeline) Load(history []*Message) {
	t.order = make([]*Message, 0, len(history))
	t.index = make(map[string]int, len(history))
	for _, m := range history {
		if m == nil || m.ID == "" {
			continue
		}
		t.Apply(m)
	}
}

// Get returns the stored message or nil. The result is owned by the timeline.
func (t *Timeline) Get(id string) *Message {
	if i, ok := t.index[id]; ok {
		return t.order[i]
	}
	return nil
}

// All returns copies of every stored message in order.
func (t *Timeline) All() []*Message {
	out := make([]*Message, 0, len(t.order))
	for _, m := range t.order {
		out = append(out, m.Clone())
	}
	return out
}

// Visible returns copies of the messages viewer should see. Messages viewer deleted
// for themselves are skipped but stay stored for the other participant.
func (t *Timeline) Visible(viewer string) []*Message {
	out := make([]*Message, 0, len(t.order))
	for _, m := range t.order {
		if m.HiddenFor(viewer) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// LastVisible returns the newest message viewer has not deleted for themselves, or nil.
func (t *Timeline) LastVisible(viewer string) *Message {
	for i := len(t.order) - 1; i >= 0; i-- {
		if !t.order[i].HiddenFor(viewer) {
			return t.order[i]
		}
	}
	return nil
}

// MarkDeletedFor hides a message for user only.
func (t *Timeline) MarkDeletedFor(id, user string) bool {
	m := t.Get(id)
	if m == nil || user == "" {
		return false
	}
	if m.DeletedFor == nil {
		m.DeletedFor = make(ParticipantSet)
	}
	m.DeletedFor[user] = struct{}{}
	return true
}

// MarkDeletedForEveryone redacts a message for all participants.
func (t *Timeline) MarkDeletedForEveryone(id string) bool {
	m := t.Get(id)
	if m == nil {
		return false
	}
	m.redact()
	return true
}

// SetEdited records edited content; the original content is preserved.
func (t *Timeline) SetEdited(id, content string) bool {
	m := t.Get(id)
	if m == nil || m.DeletedForEveryone {
		return false
	}
	m.EditedContent = content
	return true
}

// MarkSeen flags messages as seen by reader. With no ids, every message addressed
// to reader is marked. It returns how many messages changed.
func (t *Timeline) MarkSeen(reader string, ids []string) int {
	n := 0
	mark := func(m *Message) {
		if m.Status != StatusSeen {
			m.Status = StatusSeen
			n++
		}
	}
	if len(ids) > 0 {
		for _, id := range ids {
			if m := t.Get(id); m != nil {
				mark(m)
			}
		}
		return n
	}
	for _, m := range t.order {
		if m.Receiver == reader {
			mark(m)
		}
	}
	return n
}

// normalize copies the incoming message and applies delete-for-everyone redaction so
// stored state never carries redacted content.
func normalize(in *Message) *Message {
	m := in.Clone()
	if m.Reactions == nil {
		m.Reactions = make(Reactions)
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.DeletedForEveryone {
		m.redact()
	}
	return m
}

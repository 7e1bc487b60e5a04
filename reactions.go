package dmsync

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Participant sets
// ============================================================================

// ParticipantSet is a deduplicated, unordered set of participant identifiers.
// It encodes as a sorted JSON array.
type ParticipantSet map[string]struct{}

// NewParticipantSet builds a set from ids, skipping blanks.
func NewParticipantSet(ids ...string) ParticipantSet {
	s := make(ParticipantSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Has is safe on a nil set.
func (s ParticipantSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s ParticipantSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s ParticipantSet) Clone() ParticipantSet {
	if s == nil {
		return nil
	}
	c := make(ParticipantSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Equal compares membership only.
func (s ParticipantSet) Equal(o ParticipantSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

func (s ParticipantSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON never fails; malformed input yields an empty set.
func (s *ParticipantSet) UnmarshalJSON(data []byte) error {
	*s = decodeParticipants(gjson.ParseBytes(data))
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// Reactions maps an emoji to the participants who applied it. An emoji whose set is
// empty is kept internally but treated as absent by Visible and Count.
type Reactions map[string]ParticipantSet

func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	c := make(Reactions, len(r))
	for emoji, set := range r {
		c[emoji] = set.Clone()
	}
	return c
}

// UnmarshalJSON accepts an object or a JSON-encoded string and never fails.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	*r = decodeReactions(gjson.ParseBytes(data))
	return nil
}

// Visible returns emoji -> sorted participants, omitting empty entries.
func (r Reactions) Visible() map[string][]string {
	out := make(map[string][]string, len(r))
	for emoji, set := range r {
		if len(set) > 0 {
			out[emoji] = set.Sorted()
		}
	}
	return out
}

// Count returns how many participants applied emoji.
func (r Reactions) Count(emoji string) int {
	return len(r[emoji])
}

// toggle flips actor's membership for emoji and reports whether actor is now present.
func (r Reactions) toggle(emoji, actor string) bool {
	set := r[emoji]
	if set.Has(actor) {
		delete(set, actor)
		return false
	}
	if set == nil {
		set = make(ParticipantSet)
		r[emoji] = set
	}
	set[actor] = struct{}{}
	return true
}

// ============================================================================
// Reaction aggregator
// ============================================================================

type reactionKey struct {
	messageID string
	emoji     string
}

// reactionAggregator applies optimistic toggles and authoritative overwrites.
//
// Field ownership: Message.Reactions[emoji] is tentative from a local toggle until an
// authoritative event for the same (message, emoji) arrives, which replaces the whole
// set. A full-message update replaces every emoji of that message and clears all
// tentative marks on it.
type reactionAggregator struct {
	tentative map[reactionKey]struct{}
}

func newReactionAggregator() *reactionAggregator {
	return &reactionAggregator{tentative: make(map[reactionKey]struct{})}
}

// Toggle flips actor on (messageID, emoji) in msg and marks the pair tentative.
func (a *reactionAggregator) Toggle(msg *Message, emoji, actor string) bool {
	if msg.Reactions == nil {
		msg.Reactions = make(Reactions)
	}
	added := msg.Reactions.toggle(emoji, actor)
	a.tentative[reactionKey{msg.ID, emoji}] = struct{}{}
	return added
}

// Confirm replaces the participant set with the server-known one.
func (a *reactionAggregator) Confirm(msg *Message, emoji string, users ParticipantSet) {
	if msg.DeletedForEveryone {
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(Reactions)
	}
	if users == nil {
		users = make(ParticipantSet)
	}
	msg.Reactions[emoji] = users.Clone()
	delete(a.tentative, reactionKey{msg.ID, emoji})
}

// Forget clears tentative marks for a message after a full-message overwrite.
func (a *reactionAggregator) Forget(messageID string) {
	for k := range a.tentative {
		if k.messageID == messageID {
			delete(a.tentative, k)
		}
	}
}

// Tentative reports whether (messageID, emoji) still awaits confirmation.
func (a *reactionAggregator) Tentative(messageID, emoji string) bool {
	_, ok := a.tentative[reactionKey{messageID, emoji}]
	return ok
}

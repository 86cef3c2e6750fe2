// Package timeline is the ordered, in-memory message list of one open
// conversation view. Optimistic sends and live events both write to it;
// every entry is keyed by its server id once it has one, so a message is
// shown once whichever path delivers it first.
package timeline

import (
	"sort"
	"strconv"
	"sync"

	"github.com/mahaj/marketchat/pkg/model"
)

type State string

const (
	Pending   State = "pending"
	Confirmed State = "confirmed"
	Failed    State = "failed"
)

type Entry struct {
	// LocalID is set for entries that started as a local placeholder.
	LocalID string
	Message model.Message
	State   State
	// Sender is the display profile a placeholder was shown with.
	Sender *model.Profile
}

// Key is the entry's identity in the list: the server id once known,
// the local id before.
func (e Entry) Key() string {
	if e.Message.ID != 0 {
		return "id:" + strconv.FormatInt(e.Message.ID, 10)
	}
	return "local:" + e.LocalID
}

type MergeOutcome int

const (
	// Inserted means the message was new to the list.
	Inserted MergeOutcome = iota
	// Superseded means it replaced its own pending placeholder.
	Superseded
	// Duplicate means it was already shown and was discarded.
	Duplicate
)

func (o MergeOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Superseded:
		return "superseded"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Timeline is safe for concurrent use. The change callback runs with the
// timeline locked and must not call back into it.
type Timeline struct {
	mu       sync.Mutex
	entries  []Entry
	onChange func([]Entry)
}

// New returns an empty timeline. onChange may be nil.
func New(onChange func([]Entry)) *Timeline {
	return &Timeline{onChange: onChange}
}

// Load merges a page of history with what the list already holds, e.g.
// live events that arrived while the page was in flight. Confirmed entries
// end up in (created_at, id) order with pending placeholders after them.
func (t *Timeline) Load(history []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	confirmed := make([]Entry, 0, len(history)+len(t.entries))
	var pending []Entry
	for _, e := range t.entries {
		if e.State == Pending {
			pending = append(pending, e)
			continue
		}
		confirmed = append(confirmed, e)
	}
	for _, m := range history {
		if t.indexByIDLocked(m.ID) >= 0 {
			continue
		}
		confirmed = append(confirmed, Entry{Message: m, State: Confirmed})
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Message.Before(confirmed[j].Message)
	})
	t.entries = append(confirmed, pending...)
	t.changedLocked()
}

// Prepend adds an older page in front of the list, skipping messages
// already shown.
func (t *Timeline) Prepend(older []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	head := make([]Entry, 0, len(older))
	for _, m := range older {
		if t.indexByIDLocked(m.ID) >= 0 {
			continue
		}
		head = append(head, Entry{Message: m, State: Confirmed})
	}
	if len(head) == 0 {
		return
	}
	t.entries = append(head, t.entries...)
	t.changedLocked()
}

// AddPending appends a placeholder for a message being sent, shown with
// the sender's display profile when one is given.
func (t *Timeline) AddPending(localID string, m model.Message, sender *model.Profile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m.ID = 0
	m.ClientRef = localID
	t.entries = append(t.entries, Entry{LocalID: localID, Message: m, State: Pending, Sender: sender})
	t.changedLocked()
}

// Confirm swaps the placeholder for the stored message and moves it to the
// message's (created_at, id) position among confirmed entries. It reports
// false, and leaves the server copy alone, when a live event got there
// first.
func (t *Timeline) Confirm(localID string, m model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexByLocalLocked(localID)
	if i < 0 || t.entries[i].State != Pending {
		return false
	}
	if j := t.indexByIDLocked(m.ID); j >= 0 {
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		t.changedLocked()
		return false
	}
	t.confirmLocked(i, m)
	t.changedLocked()
	return true
}

// Fail removes a pending placeholder. It reports whether one was removed.
func (t *Timeline) Fail(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexByLocalLocked(localID)
	if i < 0 || t.entries[i].State != Pending {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.changedLocked()
	return true
}

// Merge adds a message delivered by the live feed. Confirmed entries never
// move: a new message goes before the first entry that sorts after it, or
// before the trailing placeholders. A message carrying the local id of a
// pending placeholder replaces it and takes its ordered position.
func (t *Timeline) Merge(m model.Message) MergeOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexByIDLocked(m.ID) >= 0 {
		return Duplicate
	}
	if m.ClientRef != "" {
		if i := t.indexByLocalLocked(m.ClientRef); i >= 0 && t.entries[i].State == Pending {
			t.confirmLocked(i, m)
			t.changedLocked()
			return Superseded
		}
	}
	t.insertLocked(Entry{Message: m, State: Confirmed})
	t.changedLocked()
	return Inserted
}

// Update replaces the entry with the same server id. It reports false for
// messages not in the list.
func (t *Timeline) Update(m model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexByIDLocked(m.ID)
	if i < 0 {
		return false
	}
	t.entries[i].Message = m
	t.changedLocked()
	return true
}

// Snapshot returns a copy of the entries in display order.
func (t *Timeline) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Messages returns the displayed messages, placeholders included.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Message
	}
	return out
}

// confirmLocked turns the placeholder at i into m. A placeholder sits
// behind every confirmed entry, so it is lifted out and reinserted where m
// sorts.
func (t *Timeline) confirmLocked(i int, m model.Message) {
	e := t.entries[i]
	e.Message = m
	e.State = Confirmed
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.insertLocked(e)
}

// insertLocked places a confirmed entry before the first entry that is
// pending or sorts after it.
func (t *Timeline) insertLocked(e Entry) {
	at := len(t.entries)
	for i, cur := range t.entries {
		if cur.State == Pending || e.Message.Before(cur.Message) {
			at = i
			break
		}
	}
	t.entries = append(t.entries, Entry{})
	copy(t.entries[at+1:], t.entries[at:])
	t.entries[at] = e
}

func (t *Timeline) indexByIDLocked(id int64) int {
	if id == 0 {
		return -1
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Message.ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexByLocalLocked(localID string) int {
	if localID == "" {
		return -1
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (t *Timeline) changedLocked() {
	if t.onChange != nil {
		t.onChange(append([]Entry(nil), t.entries...))
	}
}

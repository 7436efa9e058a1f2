package max

import (
	"sync"
)

// GroupDirectory maps group chat ids to titles. Entries are only added or
// overwritten; a sync that omits a chat leaves its entry in place.
type GroupDirectory struct {
	mu     sync.RWMutex
	titles map[ID]string
}

func NewGroupDirectory() *GroupDirectory {
	return &GroupDirectory{titles: make(map[ID]string)}
}

// Merge records every group chat in chats and returns how many entries were
// added or changed.
func (d *GroupDirectory) Merge(chats []Chat) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := 0
	for _, chat := range chats {
		if chat.Type != ChatTypeGroup || chat.ID == "" {
			continue
		}
		title := chat.Title
		if title == "" {
			title = chat.ID.String()
		}
		if old, ok := d.titles[chat.ID]; ok && old == title {
			continue
		}
		d.titles[chat.ID] = title
		changed++
	}
	return changed
}

func (d *GroupDirectory) Title(id ID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	title, ok := d.titles[id]
	return title, ok
}

// TitleOr returns the title for id, or the id itself when unknown.
func (d *GroupDirectory) TitleOr(id ID) string {
	if title, ok := d.Title(id); ok {
		return title
	}
	return id.String()
}

func (d *GroupDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.titles)
}

// Snapshot returns a copy of the directory.
func (d *GroupDirectory) Snapshot() map[ID]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[ID]string, len(d.titles))
	for k, v := range d.titles {
		out[k] = v
	}
	return out
}

package max

import "testing"

func TestGroupDirectoryMerge(t *testing.T) {
	d := NewGroupDirectory()

	changed := d.Merge([]Chat{
		{ID: "-1", Type: ChatTypeGroup, Title: "Team"},
		{ID: "-2", Type: ChatTypeGroup},
		{ID: "7", Type: "DIALOG", Title: "Bob"},
	})
	if changed != 2 {
		t.Errorf("changed: got %d, want 2", changed)
	}
	if title, _ := d.Title("-1"); title != "Team" {
		t.Errorf("title -1: got %q, want Team", title)
	}
	if title, _ := d.Title("-2"); title != "-2" {
		t.Errorf("untitled group should default to its id, got %q", title)
	}
	if _, ok := d.Title("7"); ok {
		t.Error("dialogs must not enter the directory")
	}
}

func TestGroupDirectoryIsMonotonic(t *testing.T) {
	d := NewGroupDirectory()
	d.Merge([]Chat{
		{ID: "-1", Type: ChatTypeGroup, Title: "Team"},
		{ID: "-2", Type: ChatTypeGroup, Title: "Family"},
	})

	// later sync omits -2 and renames -1
	d.Merge([]Chat{{ID: "-1", Type: ChatTypeGroup, Title: "Team v2"}})

	if d.Len() != 2 {
		t.Fatalf("len: got %d, want 2", d.Len())
	}
	if title, _ := d.Title("-1"); title != "Team v2" {
		t.Errorf("last write should win, got %q", title)
	}
	if title, ok := d.Title("-2"); !ok || title != "Family" {
		t.Errorf("omitted entry should survive, got %q, %v", title, ok)
	}
}

func TestGroupDirectoryIdempotent(t *testing.T) {
	d := NewGroupDirectory()
	chats := []Chat{{ID: "-1", Type: ChatTypeGroup, Title: "Team"}}
	d.Merge(chats)
	if changed := d.Merge(chats); changed != 0 {
		t.Errorf("re-merge changed %d entries, want 0", changed)
	}
	if got := d.TitleOr("-9"); got != "-9" {
		t.Errorf("TitleOr unknown: got %q", got)
	}
	snap := d.Snapshot()
	snap["-1"] = "mutated"
	if title, _ := d.Title("-1"); title != "Team" {
		t.Error("snapshot must be a copy")
	}
}

package bus

import "strings"

// Scope tells a sink where a relayed message came from.
type Scope string

const (
	ScopeDirect Scope = "direct"
	ScopeGroup  Scope = "group"
)

// Label is the reply affordance attached to relayed content: who sent it and,
// for group messages, which chat it came from.
type Label struct {
	Sender string `json:"sender,omitempty"`
	Chat   string `json:"chat,omitempty"`
}

func (l Label) IsZero() bool {
	return l.Sender == "" && l.Chat == ""
}

// String renders the label as a single line, e.g. "👤 Alice | 💬 Team".
func (l Label) String() string {
	if l.Sender == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("👤 ")
	b.WriteString(l.Sender)
	if l.Chat != "" {
		b.WriteString(" | 💬 ")
		b.WriteString(l.Chat)
	}
	return b.String()
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaAudio     MediaKind = "audio"
	MediaVideoNote MediaKind = "video_note"
	MediaDocument  MediaKind = "document"
)

// Groupable reports whether the kind may travel inside a media group.
func (k MediaKind) Groupable() bool {
	return k == MediaPhoto || k == MediaVideo
}

// MediaFile is a downloaded attachment ready for a sink. Data is released by
// the caller once the sink call returns.
type MediaFile struct {
	Kind MediaKind `json:"kind"`
	Name string    `json:"name"`
	Data []byte    `json:"-"`
}

func (f MediaFile) Size() int64 {
	return int64(len(f.Data))
}

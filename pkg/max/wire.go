package max

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a protocol identifier. The server sends ids as JSON numbers or
// strings; both decode to the same decimal string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("max: id %s is neither number nor string", data)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers, which is what the server expects
// in request payloads.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsNumeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) IsNumeric() bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil
}

func (id ID) String() string { return string(id) }

// UserAgent is the device descriptor sent in the hello frame.
type UserAgent struct {
	DeviceType      string `json:"deviceType"`
	Locale          string `json:"locale"`
	DeviceLocale    string `json:"deviceLocale"`
	OSVersion       string `json:"osVersion"`
	DeviceName      string `json:"deviceName"`
	HeaderUserAgent string `json:"headerUserAgent"`
	AppVersion      string `json:"appVersion"`
	Screen          string `json:"screen"`
	Timezone        string `json:"timezone"`
}

type HelloPayload struct {
	UserAgent UserAgent `json:"userAgent"`
	DeviceID  string    `json:"deviceId"`
}

// AuthSyncPayload authenticates the session and asks for a chat sync with
// every history counter zeroed.
type AuthSyncPayload struct {
	Interactive  bool   `json:"interactive"`
	Token        string `json:"token"`
	ChatsSync    int64  `json:"chatsSync"`
	ContactsSync int64  `json:"contactsSync"`
	PresenceSync int64  `json:"presenceSync"`
	DraftsSync   int64  `json:"draftsSync"`
	ChatsCount   int    `json:"chatsCount"`
}

type PingPayload struct {
	Interactive bool `json:"interactive"`
}

// ChatTypeGroup is the chat type the protocol uses for group chats.
const ChatTypeGroup = "CHAT"

type Chat struct {
	ID    ID     `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type SyncPayload struct {
	Chats []Chat `json:"chats"`
}

type ContactsRequest struct {
	ContactIDs []ID `json:"contactIds"`
}

type ContactName struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type Contact struct {
	ID    ID            `json:"id"`
	Names []ContactName `json:"names"`
}

type ContactsPayload struct {
	Contacts []Contact `json:"contacts"`
}

type AttachType string

const (
	AttachPhoto    AttachType = "PHOTO"
	AttachVideo    AttachType = "VIDEO"
	AttachVideoMsg AttachType = "VIDEO_MSG"
	AttachVoice    AttachType = "VOICE"
	AttachAudio    AttachType = "AUDIO"
	AttachFile     AttachType = "FILE"
)

// VideoTypeMessage marks a recorded round video message.
const VideoTypeMessage = 1

// Attach is one attachment descriptor inside a message.
type Attach struct {
	Type      AttachType      `json:"_type"`
	FileID    ID              `json:"fileId,omitempty"`
	VideoID   ID              `json:"videoId,omitempty"`
	AudioID   ID              `json:"audioId,omitempty"`
	Token     string          `json:"token,omitempty"`
	BaseURL   string          `json:"baseUrl,omitempty"`
	URL       string          `json:"url,omitempty"`
	Name      string          `json:"name,omitempty"`
	Size      int64           `json:"size,omitempty"`
	Wave      json.RawMessage `json:"wave,omitempty"`
	Width     int             `json:"width,omitempty"`
	Height    int             `json:"height,omitempty"`
	VideoType int             `json:"videoType,omitempty"`
	Duration  int64           `json:"duration,omitempty"`
}

// HasWave reports whether the descriptor carries waveform data, which marks
// a recorded voice message.
func (a Attach) HasWave() bool {
	w := bytes.TrimSpace(a.Wave)
	return len(w) > 0 && !bytes.Equal(w, []byte("null"))
}

// IsRoundVideo reports whether a video should be shown as a round video note.
func (a Attach) IsRoundVideo() bool {
	if a.Type == AttachVideoMsg {
		return true
	}
	return a.Type == AttachVideo && a.VideoType == VideoTypeMessage &&
		a.Width > 0 && a.Width == a.Height
}

// InlineURL returns the download URL embedded in the descriptor, if any.
func (a Attach) InlineURL() string {
	if a.Type == AttachPhoto && a.BaseURL != "" {
		return a.BaseURL
	}
	if a.URL != "" {
		return a.URL
	}
	return a.BaseURL
}

const LinkForward = "FORWARD"

// Link wraps a quoted or forwarded message.
type Link struct {
	Type    string   `json:"type"`
	ChatID  ID       `json:"chatId,omitempty"`
	Message *Message `json:"message,omitempty"`
}

type Message struct {
	ID       ID       `json:"id"`
	Sender   ID       `json:"sender"`
	Text     string   `json:"text"`
	Attaches []Attach `json:"attaches"`
	Link     *Link    `json:"link,omitempty"`
}

// MessagePayload is the payload of direct (64) and group (128) message pushes.
type MessagePayload struct {
	ChatID  ID      `json:"chatId"`
	Message Message `json:"message"`
}

type VideoURLRequest struct {
	VideoID   ID     `json:"videoId"`
	ChatID    ID     `json:"chatId"`
	MessageID ID     `json:"messageId"`
	Token     string `json:"token,omitempty"`
}

type FileURLRequest struct {
	FileID    ID `json:"fileId"`
	ChatID    ID `json:"chatId"`
	MessageID ID `json:"messageId"`
}

type FileURLPayload struct {
	URL    string `json:"url"`
	Unsafe bool   `json:"unsafe,omitempty"`
}

// ErrorPayload is carried by cmd=3 replies.
type ErrorPayload struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	LocalizedMessage string `json:"localizedMessage,omitempty"`
}

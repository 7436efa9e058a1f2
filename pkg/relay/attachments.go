package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/max"
	"github.com/sipeed/maxbridge/pkg/utils"
)

const (
	defaultAlbumLimit = 10
	albumConcurrency  = 4
)

// video renditions in order of preference
var videoRenditions = []string{"MP4_1080", "MP4_720", "MP4_480", "MP4_360", "MP4_240", "MP4_144"}

// Forwarder resolves, downloads, classifies, and forwards attachments.
type Forwarder struct {
	sink       Sink
	downloader *utils.Downloader
	albumLimit int
}

func NewForwarder(sink Sink, downloader *utils.Downloader, albumLimit int) *Forwarder {
	if albumLimit < 2 {
		albumLimit = defaultAlbumLimit
	}
	return &Forwarder{sink: sink, downloader: downloader, albumLimit: albumLimit}
}

// Forward relays every attachment of one message. A failure on one
// attachment is logged and does not stop the others.
func (f *Forwarder) Forward(ctx context.Context, req Requester, scope bus.Scope, label bus.Label, items []attachment) {
	if len(items) == 0 {
		return
	}

	var album, singles []attachment
	for _, a := range items {
		if inAlbum(a.Attach) {
			album = append(album, a)
		} else {
			singles = append(singles, a)
		}
	}
	if len(album) < 2 {
		singles = items
		album = nil
	}

	if len(album) > 0 {
		f.forwardAlbum(ctx, req, scope, label, album)
	}
	for _, a := range singles {
		if err := f.forwardOne(ctx, req, scope, label, a); err != nil {
			logger.WarnCF("relay", "Failed to forward attachment", attachFields(a, err))
		}
	}
}

func inAlbum(a max.Attach) bool {
	switch a.Type {
	case max.AttachPhoto:
		return true
	case max.AttachVideo:
		return !a.IsRoundVideo()
	default:
		return false
	}
}

func (f *Forwarder) forwardOne(ctx context.Context, req Requester, scope bus.Scope, label bus.Label, a attachment) error {
	file, err := f.prepare(ctx, req, scope, label, a)
	if err != nil || file == nil {
		return err
	}
	return f.deliver(ctx, *file, label)
}

// forwardAlbum downloads every item concurrently, drops the ones that fail,
// and sends the rest as media groups followed by one caption message.
func (f *Forwarder) forwardAlbum(ctx context.Context, req Requester, scope bus.Scope, label bus.Label, items []attachment) {
	files := make([]*bus.MediaFile, len(items))

	var g errgroup.Group
	g.SetLimit(albumConcurrency)
	for i, a := range items {
		g.Go(func() error {
			file, err := f.prepare(ctx, req, scope, label, a)
			if err != nil {
				logger.WarnCF("relay", "Dropping album item", attachFields(a, err))
				return nil
			}
			files[i] = file
			return nil
		})
	}
	_ = g.Wait()

	survivors := make([]bus.MediaFile, 0, len(files))
	for _, file := range files {
		if file != nil {
			survivors = append(survivors, *file)
		}
	}

	switch len(survivors) {
	case 0:
		return
	case 1:
		if err := f.deliver(ctx, survivors[0], label); err != nil {
			logger.WarnCF("relay", "Failed to forward album item", map[string]any{"error": err.Error()})
		}
		return
	}

	sent := 0
	for start := 0; start < len(survivors); start += f.albumLimit {
		end := min(start+f.albumLimit, len(survivors))
		chunk := survivors[start:end]

		var err error
		if len(chunk) == 1 {
			err = f.deliver(ctx, chunk[0], label)
		} else {
			err = f.sink.SendMediaGroup(ctx, chunk, label)
		}
		if err != nil {
			logger.WarnCF("relay", "Failed to forward album", map[string]any{
				"items": len(chunk),
				"error": err.Error(),
			})
			continue
		}
		sent += len(chunk)
	}

	if sent > 0 {
		if err := f.sink.SendText(ctx, scope, fmt.Sprintf("🖼 Album (%d)", sent), label); err != nil {
			logger.WarnCF("relay", "Failed to send album caption", map[string]any{"error": err.Error()})
		}
	}
}

// prepare resolves and downloads one attachment. It returns a nil file when
// the attachment was skipped or replaced by an oversize notice.
func (f *Forwarder) prepare(ctx context.Context, req Requester, scope bus.Scope, label bus.Label, a attachment) (*bus.MediaFile, error) {
	url, err := resolveURL(ctx, req, a)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve url: %w", err)
	}
	if url == "" {
		logger.DebugCF("relay", "Skipping attachment without url", attachFields(a, nil))
		return nil, nil
	}

	kind := classify(a.Attach)
	dl, err := f.downloader.Fetch(ctx, url)
	if err != nil {
		if sizeErr, ok := utils.IsSizeLimit(err); ok {
			notice := oversizeNotice(fileName(a.Attach, kind, ""), sizeErr)
			if sendErr := f.sink.SendText(ctx, scope, notice, label); sendErr != nil {
				return nil, fmt.Errorf("failed to send oversize notice: %w", sendErr)
			}
			return nil, nil
		}
		return nil, err
	}

	return &bus.MediaFile{
		Kind: kind,
		Name: fileName(a.Attach, kind, dl.Name),
		Data: dl.Data,
	}, nil
}

func (f *Forwarder) deliver(ctx context.Context, file bus.MediaFile, label bus.Label) error {
	caption := captionFor(file)
	err := f.sink.SendMedia(ctx, file, caption, label)
	if err == nil || file.Kind != bus.MediaVideoNote {
		return err
	}

	logger.DebugCF("relay", "Video note rejected, sending as video", map[string]any{
		"name":  file.Name,
		"error": err.Error(),
	})
	file.Kind = bus.MediaVideo
	return f.sink.SendMedia(ctx, file, captionFor(file), label)
}

func classify(a max.Attach) bus.MediaKind {
	switch a.Type {
	case max.AttachPhoto:
		return bus.MediaPhoto
	case max.AttachVoice, max.AttachAudio:
		if a.HasWave() {
			return bus.MediaVoice
		}
		return bus.MediaAudio
	case max.AttachVideo, max.AttachVideoMsg:
		if a.IsRoundVideo() {
			return bus.MediaVideoNote
		}
		return bus.MediaVideo
	default:
		return bus.MediaDocument
	}
}

var errNoVideoURL = errors.New("no playable video rendition")

// resolveURL returns the inline URL of a, or asks the server for one. An
// empty URL with a nil error means the descriptor carries nothing to fetch.
func resolveURL(ctx context.Context, req Requester, a attachment) (string, error) {
	if u := a.InlineURL(); u != "" {
		return u, nil
	}

	switch a.Type {
	case max.AttachVideo, max.AttachVideoMsg:
		if a.VideoID == "" {
			return "", nil
		}
		reply, err := req.Request(ctx, max.OpVideoURL, max.VideoURLRequest{
			VideoID:   a.VideoID,
			ChatID:    a.ChatID,
			MessageID: a.MessageID,
			Token:     a.Token,
		})
		if err != nil {
			return "", err
		}
		return pickVideoURL(reply.Payload)

	default:
		id := a.FileID
		if id == "" {
			id = a.AudioID
		}
		if id == "" {
			return "", nil
		}
		reply, err := req.Request(ctx, max.OpFileURL, max.FileURLRequest{
			FileID:    id,
			ChatID:    a.ChatID,
			MessageID: a.MessageID,
		})
		if err != nil {
			return "", err
		}
		var p max.FileURLPayload
		if err := reply.Decode(&p); err != nil {
			return "", err
		}
		return p.URL, nil
	}
}

func pickVideoURL(payload []byte) (string, error) {
	for _, key := range videoRenditions {
		if u := gjson.GetBytes(payload, key).String(); u != "" {
			return u, nil
		}
	}

	// unknown rendition names; EXTERNAL points at a web page, not a file
	var found string
	gjson.ParseBytes(payload).ForEach(func(key, value gjson.Result) bool {
		if key.String() == "EXTERNAL" || value.Type != gjson.String {
			return true
		}
		if strings.HasPrefix(value.String(), "http") {
			found = value.String()
			return false
		}
		return true
	})
	if found == "" {
		return "", errNoVideoURL
	}
	return found, nil
}

func fileName(a max.Attach, kind bus.MediaKind, downloaded string) string {
	if a.Name != "" {
		return a.Name
	}
	if downloaded != "" && strings.Contains(downloaded, ".") {
		return downloaded
	}
	switch kind {
	case bus.MediaPhoto:
		return "photo.jpg"
	case bus.MediaVideo, bus.MediaVideoNote:
		return "video.mp4"
	case bus.MediaVoice:
		return "voice.ogg"
	case bus.MediaAudio:
		return "audio.mp3"
	default:
		return "file"
	}
}

func captionFor(file bus.MediaFile) string {
	switch file.Kind {
	case bus.MediaPhoto:
		return "📷 Photo"
	case bus.MediaVideo:
		return "🎬 Video"
	case bus.MediaVoice:
		return "🎤 Voice message"
	case bus.MediaAudio:
		return "🎵 " + file.Name
	case bus.MediaVideoNote:
		return ""
	default:
		return "📎 " + file.Name
	}
}

func oversizeNotice(name string, err *utils.SizeLimitError) string {
	size := "over " + humanize.IBytes(uint64(err.Limit))
	if err.Exact {
		size = humanize.IBytes(uint64(err.Size))
	}
	return fmt.Sprintf("⚠️ File too large to forward: %s (%s)", name, size)
}

func attachFields(a attachment, err error) map[string]any {
	fields := map[string]any{
		"type":       string(a.Type),
		"chat_id":    a.ChatID.String(),
		"message_id": a.MessageID.String(),
	}
	if a.Name != "" {
		fields["name"] = a.Name
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	return fields
}

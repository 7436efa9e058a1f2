// Package relay turns MAX frames into notifications: it routes frames by
// opcode, resolves sender names and attachments, and hands the result to a
// Sink.
//
// Messages are handled concurrently, one task per message. Two messages from
// the same chat may reach the sink in either order.
package relay

import (
	"context"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/max"
)

// Sink receives finished notifications.
type Sink interface {
	SendText(ctx context.Context, scope bus.Scope, text string, label bus.Label) error
	SendMedia(ctx context.Context, file bus.MediaFile, caption string, label bus.Label) error
	SendMediaGroup(ctx context.Context, files []bus.MediaFile, label bus.Label) error
}

// Requester issues correlated requests on the live session.
type Requester interface {
	Request(ctx context.Context, op max.Opcode, payload any) (max.Frame, error)
}

// Session is the part of *max.Session the router needs.
type Session interface {
	Requester
	Resolve(f max.Frame) bool
	Groups() *max.GroupDirectory
}

var _ Session = (*max.Session)(nil)

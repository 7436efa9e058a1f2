package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/max"
)

var errNoName = errors.New("contact has no display name")

// ContactCache memoizes user display names for the whole process. It outlives
// sessions: one cache is shared by every session a supervisor creates.
// The first resolved name for an id is kept forever.
type ContactCache struct {
	mu     sync.RWMutex
	names  map[max.ID]string
	flight singleflight.Group
}

func NewContactCache() *ContactCache {
	return &ContactCache{names: make(map[max.ID]string)}
}

func (c *ContactCache) Lookup(id max.ID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id]
	return name, ok
}

// Store records name for id unless a name is already known, and returns the
// name that ends up cached.
func (c *ContactCache) Store(id max.ID, name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.names[id]; ok {
		return existing
	}
	c.names[id] = name
	return name
}

func (c *ContactCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}

// Resolve returns the display name of id, asking the server on a cache miss.
// When the lookup fails or the contact has no name the raw id is returned and
// nothing is cached, so a later message retries.
func (c *ContactCache) Resolve(ctx context.Context, r Requester, id max.ID) string {
	if id == "" {
		return ""
	}
	if name, ok := c.Lookup(id); ok {
		return name
	}

	v, _, _ := c.flight.Do(string(id), func() (any, error) {
		if name, ok := c.Lookup(id); ok {
			return name, nil
		}
		name, err := fetchContactName(ctx, r, id)
		if err != nil {
			logger.DebugCF("relay", "Contact lookup failed, using id", map[string]any{
				"user_id": id.String(),
				"error":   err.Error(),
			})
			return id.String(), nil
		}
		return c.Store(id, name), nil
	})
	return v.(string)
}

func fetchContactName(ctx context.Context, r Requester, id max.ID) (string, error) {
	reply, err := r.Request(ctx, max.OpContacts, max.ContactsRequest{ContactIDs: []max.ID{id}})
	if err != nil {
		return "", err
	}

	var first, matched string
	gjson.GetBytes(reply.Payload, "contacts").ForEach(func(_, contact gjson.Result) bool {
		name := contact.Get("names.0.name").String()
		if first == "" {
			first = name
		}
		if contact.Get("id").String() == id.String() {
			matched = name
			return false
		}
		return true
	})

	switch {
	case matched != "":
		return matched, nil
	case first != "":
		return first, nil
	default:
		return "", errNoName
	}
}

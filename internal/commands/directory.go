package commands

import (
	"strconv"
	"strings"
	"sync"

	kit "seatwatch/internal/transport"
)

// maxDirectory bounds the directory; when full, new users are not added.
const maxDirectory = 50_000

// Directory remembers display names of users seen in chat, so lists and
// mentions can show names instead of numeric ids.
type Directory struct {
	mu    sync.RWMutex
	names map[int64]string
}

func NewDirectory() *Directory {
	return &Directory{names: map[int64]string{}}
}

// Observe records the sender of msg. It is meant to be passed to
// router.Observe.
func (d *Directory) Observe(msg kit.Message) {
	if msg.FromID == 0 {
		return
	}
	name := strings.TrimSpace(msg.FromName)
	if u := strings.TrimSpace(msg.FromUsername); u != "" {
		name = "@" + u
	}
	if name == "" {
		return
	}
	d.Set(msg.FromID, name)
}

func (d *Directory) Set(id int64, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.names[id]; !ok && len(d.names) >= maxDirectory {
		return
	}
	d.names[id] = name
}

// Name returns the known display name of id, or the id itself.
func (d *Directory) Name(id int64) string {
	if d != nil {
		d.mu.RLock()
		name, ok := d.names[id]
		d.mu.RUnlock()
		if ok {
			return name
		}
	}
	return strconv.FormatInt(id, 10)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.names)
}

// Package content supplies the notification sent to every subscriber on a
// reminder tick.
package content

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"dhikr/internal/models"
)

// Tag groups reminders on the device so a new one replaces the last.
const Tag = "daily-reminder"

//go:embed adhkar.json
var embedded []byte

// Entry is one reminder text.
type Entry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Path  string `json:"path"`
}

// StaticSource picks a random entry from a fixed list.
type StaticSource struct {
	entries []Entry

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewStaticSource builds a source over entries. A nil rnd uses a randomly
// seeded generator.
func NewStaticSource(entries []Entry, rnd *rand.Rand) (*StaticSource, error) {
	if len(entries) == 0 {
		return nil, errors.New("content: no entries")
	}
	for i, e := range entries {
		if e.ID == "" || e.Text == "" {
			return nil, fmt.Errorf("content: entry %d missing id or text", i)
		}
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &StaticSource{entries: entries, rnd: rnd}, nil
}

// Load reads entries from path, or the built-in list when path is empty.
func Load(path string) (*StaticSource, error) {
	data := embedded
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("content: read %s: %w", path, err)
		}
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("content: decode entries: %w", err)
	}
	return NewStaticSource(entries, nil)
}

func (s *StaticSource) Len() int { return len(s.entries) }

func (s *StaticSource) NextPayload(ctx context.Context) (models.NotificationPayload, error) {
	if err := ctx.Err(); err != nil {
		return models.NotificationPayload{}, err
	}
	s.mu.Lock()
	e := s.entries[s.rnd.IntN(len(s.entries))]
	s.mu.Unlock()
	return payloadFor(e), nil
}

func payloadFor(e Entry) models.NotificationPayload {
	title := e.Title
	if title == "" {
		title = "Daily reminder"
	}
	data := map[string]string{"id": e.ID}
	if e.Path != "" {
		data["url"] = e.Path
	}
	return models.NotificationPayload{
		Title: title,
		Body:  e.Text,
		Tag:   Tag,
		Data:  data,
	}
}

// TestPayload is the notification sent by the test-push endpoint.
func TestPayload() models.NotificationPayload {
	return models.NotificationPayload{
		Title: "Notifications are on",
		Body:  "You will get your daily reminder at the time you picked.",
		Tag:   "test-notification",
		Data:  map[string]string{"url": "/settings"},
	}
}

package pending

import (
	"regexp"
	"strings"
	"time"

	"github.com/matheus3301/wppbot/internal/cache"
)

// DefaultTTL is how long a link waits for its format choice.
const DefaultTTL = 5 * time.Minute

// Format is the output a user picks for a pending link.
type Format string

const (
	FormatAudio Format = "mp3"
	FormatVideo Format = "mp4"
)

// Download is a parsed link waiting for a format choice.
type Download struct {
	VideoID     string
	SourceURL   string
	Title       string
	RequestedAt time.Time
}

var youtubeRe = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.|m\.|music\.)?(?:youtube\.com/(?:watch\?(?:[^\s]*&)?v=|shorts/|live/|embed/)|youtu\.be/)([A-Za-z0-9_-]{11})[^\s]*`)

// ParseLink extracts the first YouTube link in text.
func ParseLink(text string) (Download, bool) {
	m := youtubeRe.FindStringSubmatch(text)
	if m == nil {
		return Download{}, false
	}
	url := m[0]
	if !strings.HasPrefix(strings.ToLower(url), "http") {
		url = "https://" + url
	}
	return Download{VideoID: m[1], SourceURL: url}, true
}

// ParseFormat recognises a bare format reply such as "mp3" or "MP4".
func ParseFormat(text string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "mp3", "audio":
		return FormatAudio, true
	case "mp4", "video":
		return FormatVideo, true
	}
	return "", false
}

// Tracker holds at most one pending download per chat.
type Tracker struct {
	items *cache.Cache[string, Download]
	now   func() time.Time
}

// NewTracker creates a tracker whose entries expire after ttl.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		items: cache.New[string, Download](ttl, 0),
		now:   time.Now,
	}
}

// Put records d for chat, replacing any earlier link.
func (t *Tracker) Put(chat string, d Download) {
	if d.RequestedAt.IsZero() {
		d.RequestedAt = t.now()
	}
	t.items.Set(chat, d)
}

// Claim removes and returns the pending download for chat.
func (t *Tracker) Claim(chat string) (Download, bool) {
	return t.items.Take(chat)
}

// Peek reports whether chat has a pending download without claiming it.
func (t *Tracker) Peek(chat string) bool {
	_, ok := t.items.Get(chat)
	return ok
}

// Len returns the number of pending downloads.
func (t *Tracker) Len() int {
	return t.items.Len()
}

package dedup

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/matheus3301/wppbot/internal/cache"
)

// Defaults for the two windows.
const (
	DefaultIDTTL         = 2 * time.Minute
	DefaultContentTTL    = 5 * time.Second
	DefaultContentBucket = 2 * time.Second
)

// Key identifies an inbound message for deduplication.
type Key struct {
	ID      string
	Sender  string
	Content string // text or caption; empty skips the content check
}

// Options tunes the deduplication windows. Zero values fall back to defaults.
type Options struct {
	IDTTL         time.Duration
	ContentTTL    time.Duration
	ContentBucket time.Duration
	Now           func() time.Time
}

// Deduplicator rejects messages already seen by id, or by a content
// fingerprint within the same short time bucket.
type Deduplicator struct {
	ids     *cache.Cache[string, time.Time]
	content *cache.Cache[uint64, time.Time]
	bucket  time.Duration
	now     func() time.Time
}

// New creates a deduplicator.
func New(opts Options) *Deduplicator {
	if opts.IDTTL <= 0 {
		opts.IDTTL = DefaultIDTTL
	}
	if opts.ContentTTL <= 0 {
		opts.ContentTTL = DefaultContentTTL
	}
	if opts.ContentBucket <= 0 {
		opts.ContentBucket = DefaultContentBucket
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Deduplicator{
		ids:     cache.New[string, time.Time](opts.IDTTL, 0),
		content: cache.New[uint64, time.Time](opts.ContentTTL, 0),
		bucket:  opts.ContentBucket,
		now:     opts.Now,
	}
}

// Accept reports whether the message should be processed. Both checks must
// pass; a message id is recorded on first sight even if the content check
// then rejects it.
func (d *Deduplicator) Accept(k Key) bool {
	now := d.now()
	if k.ID != "" && d.ids.SeenOrAdd(k.ID, now) {
		return false
	}
	if k.Content == "" {
		return true
	}
	return !d.content.SeenOrAdd(d.Fingerprint(k.Sender, k.Content, now), now)
}

// Fingerprint hashes (sender, content, floor(at / bucket)).
func (d *Deduplicator) Fingerprint(sender, content string, at time.Time) uint64 {
	bucket := at.UnixNano() / int64(d.bucket)

	h := xxhash.New()
	_, _ = h.WriteString(sender)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(content)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatInt(bucket, 10))
	return h.Sum64()
}

// Seen returns the number of tracked message ids and fingerprints.
func (d *Deduplicator) Seen() (ids, fingerprints int) {
	return d.ids.Len(), d.content.Len()
}

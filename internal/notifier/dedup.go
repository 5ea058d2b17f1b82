package notifier

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const historySize = 300

func dedupKey(chatID int64, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(chatID, 10)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// dedup remembers recently sent keys until their window closes.
type dedup struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedup() *dedup { return &dedup{until: map[string]time.Time{}} }

// claim reports whether key may be sent now and, if so, holds it for window.
// Expired keys are purged; past limit entries the soonest-expiring go first.
func (d *dedup) claim(key string, now time.Time, window time.Duration, limit int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.until[key]; ok && now.Before(t) {
		return false
	}
	for k, t := range d.until {
		if !now.Before(t) {
			delete(d.until, k)
		}
	}
	d.until[key] = now.Add(window)
	for len(d.until) > limit {
		var oldest string
		for k, t := range d.until {
			if oldest == "" || t.Before(d.until[oldest]) {
				oldest = k
			}
		}
		delete(d.until, oldest)
	}
	return true
}

// release lets a failed message be retried immediately.
func (d *dedup) release(key string) {
	d.mu.Lock()
	delete(d.until, key)
	d.mu.Unlock()
}

// ring keeps the last n history items.
type ring struct {
	mu   sync.Mutex
	buf  []HistoryItem
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]HistoryItem, n)} }

func (r *ring) add(it HistoryItem) {
	r.mu.Lock()
	r.buf[r.next] = it
	r.next = (r.next + 1) % len(r.buf)
	r.full = r.full || r.next == 0
	r.mu.Unlock()
}

func (r *ring) items() []HistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]HistoryItem(nil), r.buf[:r.next]...)
	}
	return append(append([]HistoryItem(nil), r.buf[r.next:]...), r.buf[:r.next]...)
}

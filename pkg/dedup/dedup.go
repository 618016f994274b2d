// Package dedup drops repeated MQTT deliveries. QoS1 may redeliver a message;
// a redelivery carries the DUP flag and the same topic and payload.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

type Deduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	max  int
	seen map[string]time.Time
	now  func() time.Time
}

func New(ttl time.Duration, max int) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 10000
	}
	return &Deduper{ttl: ttl, max: max, seen: make(map[string]time.Time, max), now: time.Now}
}

// DeliveryKey returns the hex sha256 of a message topic and payload.
func DeliveryKey(topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ShouldProcessDelivery records every first delivery and drops a redelivery of
// one already seen within the TTL. A message without the DUP flag is always
// processed, so a user repeating an earlier payload is not lost.
func (d *Deduper) ShouldProcessDelivery(topic string, payload []byte, redelivered bool) bool {
	if d == nil {
		return true
	}
	key := DeliveryKey(topic, payload)
	if redelivered {
		return d.ShouldProcess(key)
	}
	d.record(key)
	return true
}

// ShouldProcess reports whether id is new within the TTL window and records it.
func (d *Deduper) ShouldProcess(id string) bool {
	if id == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false
	}
	d.put(id, now)
	return true
}

func (d *Deduper) record(id string) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.put(id, now)
}

func (d *Deduper) put(id string, now time.Time) {
	d.seen[id] = now.Add(d.ttl)
	if len(d.seen) > d.max {
		d.evict(now)
	}
}

// evict drops expired keys first, then arbitrary ones until under the cap.
func (d *Deduper) evict(now time.Time) {
	for k, v := range d.seen {
		if now.After(v) {
			delete(d.seen, k)
		}
	}
	for k := range d.seen {
		if len(d.seen) <= d.max {
			return
		}
		delete(d.seen, k)
	}
}

func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

package actions

import (
	"sync"
	"time"
)

// MemoryDedup — хранилище ключей дедупликации в памяти, ограниченное и по
// TTL, и по размеру. Обе границы применяются на каждой вставке, иначе карта
// растёт без предела.
type MemoryDedup struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]time.Time // ключ → срок действия
	order   []string             // порядок вставки для вытеснения по размеру
	now     func() time.Time
}

// NewMemoryDedup создаёт хранилище с ограничением размера.
func NewMemoryDedup(maxSize int) *MemoryDedup {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryDedup{
		maxSize: maxSize,
		items:   make(map[string]time.Time),
		now:     time.Now,
	}
}

// MarkOnce возвращает true, если ключ встретился впервые в пределах ttl.
func (d *MemoryDedup) MarkOnce(key string, ttl time.Duration) (bool, error) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.items[key]; ok && exp.After(now) {
		return false, nil
	}

	d.evictExpired(now)
	for len(d.items) >= d.maxSize && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.items, oldest)
	}

	d.items[key] = now.Add(ttl)
	d.order = append(d.order, key)
	return true, nil
}

func (d *MemoryDedup) evictExpired(now time.Time) {
	kept := d.order[:0]
	for _, key := range d.order {
		exp, ok := d.items[key]
		if !ok {
			continue
		}
		if exp.After(now) {
			kept = append(kept, key)
			continue
		}
		delete(d.items, key)
	}
	d.order = kept
}

func (d *MemoryDedup) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

package memtable

import (
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// MaxUsageCount caps how many clock passes a hot buffer survives.
const MaxUsageCount = 5

// BufferID is the index of a slot in the buffer pool.
type BufferID int

// BufferItem is one slot of the pool. A nil buffer means the slot has never been filled.
type BufferItem struct {
	pinCount   int
	usageCount int
	buffer     *PageBuffer
}

func (it *BufferItem) IsPinned() bool { return it.pinCount > 0 }

// EvictionHook runs before a populated slot is overwritten. Returning an error aborts the insertion.
// The hook runs with the pool locked and must not call back into the BufferManager.
type EvictionHook func(victim *PageBuffer) error

// BufferStats is a point-in-time view of the pool.
type BufferStats struct {
	Capacity  int
	Populated int
	Pinned    int
	Dirty     int
	Evictions uint64
}

// BufferManager is a fixed-capacity pool of page buffers using clock-sweep replacement.
type BufferManager struct {
	cache       []BufferItem
	evictCursor int
	onEvict     EvictionHook
	evictions   uint64
	mu          sync.Mutex
	logger      *zap.Logger
}

// NewBufferManager creates a pool of capacity empty slots. capacity must be positive.
func NewBufferManager(capacity int, logger *zap.Logger) *BufferManager {
	if capacity < 1 {
		panic(fmt.Sprintf("memtable: buffer pool capacity must be positive, got %d", capacity))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bm := &BufferManager{
		cache:  make([]BufferItem, capacity),
		logger: logger.Named("buffer_pool"),
	}
	bm.logger.Info("BufferManager initialized", zap.Int("capacity", capacity), zap.Int("page_size", pagemanager.PageSize))
	return bm
}

// SetEvictionHook registers the callback run for every populated victim.
func (bm *BufferManager) SetEvictionHook(hook EvictionHook) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.onEvict = hook
}

func (bm *BufferManager) Capacity() int { return len(bm.cache) }

// AddPage installs page under pageID in a slot chosen by clock-sweep and returns the slot.
// The new slot is unpinned with a usage count of zero.
func (bm *BufferManager) AddPage(pageID pagemanager.PageID, page *pagemanager.SlottedPage) (BufferID, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	slot, err := bm.getVictimSlotInternal()
	if err != nil {
		bm.logger.Warn("no evictable buffer", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return -1, err
	}

	item := &bm.cache[slot]
	if item.buffer != nil {
		if bm.onEvict != nil {
			if err := bm.onEvict(item.buffer); err != nil {
				return -1, fmt.Errorf("evicting page %d from slot %d: %w", item.buffer.PageID(), slot, err)
			}
		}
		bm.evictions++
		bm.logger.Debug("buffer evicted",
			zap.Int("slot", slot),
			zap.Uint32("old_page_id", uint32(item.buffer.PageID())),
			zap.Uint32("new_page_id", uint32(pageID)))
	}

	*item = BufferItem{buffer: NewPageBuffer(pageID, page)}
	bm.evictCursor = (slot + 1) % len(bm.cache)
	return BufferID(slot), nil
}

// getVictimSlotInternal runs the clock from evictCursor. A pinned slot is skipped and counted,
// a slot with usage left loses one unit and is skipped, anything else is the victim.
// Failure means every slot was seen pinned in a single consecutive run.
// This method MUST be called with bm.mu locked.
func (bm *BufferManager) getVictimSlotInternal() (int, error) {
	n := len(bm.cache)
	pinnedRun := 0
	for {
		item := &bm.cache[bm.evictCursor]
		switch {
		case item.IsPinned():
			pinnedRun++
			if pinnedRun >= n {
				return -1, flushmanager.ErrBufferPoolFull
			}
		case item.usageCount > 0:
			pinnedRun = 0
			item.usageCount--
		default:
			return bm.evictCursor, nil
		}
		bm.evictCursor = (bm.evictCursor + 1) % n
	}
}

// FetchPage returns the buffer held in slot id and bumps its usage count.
// It reports false for an out-of-range slot, a never-filled slot, or a slot whose page is empty.
func (bm *BufferManager) FetchPage(id BufferID) (*PageBuffer, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if !bm.holdsPageInternal(id) {
		return nil, false
	}
	item := &bm.cache[id]
	if item.usageCount < MaxUsageCount {
		item.usageCount++
	}
	return item.buffer, true
}

// Peek is FetchPage without the usage bump, for bookkeeping that should not count as an access.
func (bm *BufferManager) Peek(id BufferID) (*PageBuffer, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if !bm.holdsPageInternal(id) {
		return nil, false
	}
	return bm.cache[id].buffer, true
}

// holdsPageInternal must be called with bm.mu held.
func (bm *BufferManager) holdsPageInternal(id BufferID) bool {
	if int(id) < 0 || int(id) >= len(bm.cache) {
		return false
	}
	buf := bm.cache[id].buffer
	return buf != nil && !buf.IsEmpty()
}

// Pin protects slot id from eviction until the returned lease is released.
func (bm *BufferManager) Pin(id BufferID) (*Lease, error) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if !bm.holdsPageInternal(id) {
		return nil, fmt.Errorf("%w: buffer slot %d holds no page", flushmanager.ErrPageNotFound, id)
	}
	item := &bm.cache[id]
	item.pinCount++
	return &Lease{bm: bm, slot: id, buffer: item.buffer}, nil
}

func (bm *BufferManager) unpin(id BufferID, buffer *PageBuffer) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	item := &bm.cache[id]
	if item.buffer != buffer || item.pinCount == 0 {
		// A pinned slot cannot be replaced, so this only happens on a double release.
		bm.logger.Warn("attempted to unpin a buffer that is not pinned",
			zap.Int("slot", int(id)), zap.Uint32("page_id", uint32(buffer.PageID())))
		return
	}
	item.pinCount--
}

// Buffers returns every populated buffer in slot order.
func (bm *BufferManager) Buffers() []*PageBuffer {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	out := make([]*PageBuffer, 0, len(bm.cache))
	for i := range bm.cache {
		if b := bm.cache[i].buffer; b != nil {
			out = append(out, b)
		}
	}
	return out
}

// DirtyBuffers returns the populated buffers awaiting write-back.
func (bm *BufferManager) DirtyBuffers() []*PageBuffer {
	all := bm.Buffers()
	out := all[:0]
	for _, b := range all {
		if b.IsDirty() {
			out = append(out, b)
		}
	}
	return out
}

func (bm *BufferManager) Stats() BufferStats {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	stats := BufferStats{Capacity: len(bm.cache), Evictions: bm.evictions}
	for i := range bm.cache {
		item := &bm.cache[i]
		if item.buffer == nil {
			continue
		}
		stats.Populated++
		if item.IsPinned() {
			stats.Pinned++
		}
		if item.buffer.IsDirty() {
			stats.Dirty++
		}
	}
	return stats
}

// Lease is a pin on one slot. Release must be called once the caller no longer needs the buffer.
type Lease struct {
	bm       *BufferManager
	slot     BufferID
	buffer   *PageBuffer
	released bool
}

func (l *Lease) Buffer() *PageBuffer { return l.buffer }
func (l *Lease) Slot() BufferID      { return l.slot }

// Release drops the pin. Calling it more than once has no effect.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.bm.unpin(l.slot, l.buffer)
}

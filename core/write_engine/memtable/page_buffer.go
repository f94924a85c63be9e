package memtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	commonutils "github.com/sushant-115/gojodb-pagestore/internal/common_utils"
)

// PageBuffer is the in-memory copy of one page. Every holder of the same id shares the same PageBuffer,
// so a change made through one handle is visible through all of them.
type PageBuffer struct {
	pageID  pagemanager.PageID
	page    *pagemanager.SlottedPage
	isDirty atomic.Bool
	magic   atomic.Uint32 // refreshed whenever a modified mutable borrow is released

	// --- Page Latch ---
	// Borrows never block: a conflicting borrow fails with ErrConcurrentMutation.
	latch  sync.RWMutex
	holder atomic.Value // string, call site of the current mutable borrow
}

// NewPageBuffer wraps page as the cached copy of pageID. The buffer starts clean.
func NewPageBuffer(pageID pagemanager.PageID, page *pagemanager.SlottedPage) *PageBuffer {
	b := &PageBuffer{pageID: pageID, page: page}
	b.magic.Store(page.Magic())
	return b
}

// PageID returns the id of the page cached in this buffer.
func (b *PageBuffer) PageID() pagemanager.PageID { return b.pageID }

// IsEmpty reports whether the cached page carries neither the leaf nor the internal magic number.
// It does not take the latch.
func (b *PageBuffer) IsEmpty() bool { return !pagemanager.IsPopulatedMagic(b.magic.Load()) }

func (b *PageBuffer) IsDirty() bool { return b.isDirty.Load() }

// MarkDirty flags the buffer for write-back.
func (b *PageBuffer) MarkDirty() { b.isDirty.Store(true) }

// MarkClean is called once the buffer has been written to disk.
func (b *PageBuffer) MarkClean() { b.isDirty.Store(false) }

// Borrow takes a shared read borrow of the page.
func (b *PageBuffer) Borrow() (*PageGuard, error) {
	if !b.latch.TryRLock() {
		return nil, b.conflict("read")
	}
	return &PageGuard{buffer: b}, nil
}

// BorrowMut takes the exclusive borrow of the page. If the holder called MarkModified, releasing it
// restamps the checksum and marks the buffer dirty.
func (b *PageBuffer) BorrowMut() (*PageGuard, error) {
	if !b.latch.TryLock() {
		return nil, b.conflict("mutable")
	}
	b.holder.Store(commonutils.CallerLocation(2))
	return &PageGuard{buffer: b, mutable: true}, nil
}

func (b *PageBuffer) conflict(kind string) error {
	holder, _ := b.holder.Load().(string)
	if holder == "" {
		holder = "a reader"
	}
	return fmt.Errorf("%w: %s borrow of page %d refused, held by %s", flushmanager.ErrConcurrentMutation, kind, b.pageID, holder)
}

// PageGuard is an outstanding borrow of a PageBuffer. It must be released exactly once;
// further calls to Release are ignored.
type PageGuard struct {
	buffer   *PageBuffer
	mutable  bool
	modified bool
	released bool
}

// Page returns the borrowed page. It must not be used after Release.
func (g *PageGuard) Page() *pagemanager.SlottedPage { return g.buffer.page }

func (g *PageGuard) Mutable() bool { return g.mutable }

// MarkModified records that the page was changed through this guard. It is a no-op on a read borrow.
func (g *PageGuard) MarkModified() {
	if g.mutable && !g.released {
		g.modified = true
	}
}

func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	if g.mutable {
		if g.modified {
			g.buffer.page.StampChecksum()
			g.buffer.magic.Store(g.buffer.page.Magic())
			g.buffer.MarkDirty()
		}
		g.buffer.holder.Store("")
		g.buffer.latch.Unlock()
		return
	}
	g.buffer.latch.RUnlock()
}

package accessmanager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb-pagestore/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-pagestore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagestore/internal/telemetry"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultPoolSize = 10

type options struct {
	poolSize  int
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
}

// Option configures an AccessManager.
type Option func(*options)

// WithPoolSize sets the number of buffer slots.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// AccessManager is the single entry point for reading and writing pages by id.
// It owns the page file and the buffer pool and keeps the id to slot mapping between them.
type AccessManager struct {
	disk      *flushmanager.DiskManager
	pool      *memtable.BufferManager
	pageTable map[pagemanager.PageID]memtable.BufferID
	sessionID uuid.UUID
	logger    *zap.Logger
	tel       *telemetry.Telemetry
	metrics   *internaltelemetry.StorageMetrics
	hits      uint64
	misses    uint64
	closed    bool
	mu        sync.Mutex
}

// Stats is a point-in-time summary of an AccessManager.
type Stats struct {
	SessionID   string
	Path        string
	NextPageID  pagemanager.PageID
	CachedPages int
	Hits        uint64
	Misses      uint64
	Pool        memtable.BufferStats
}

// New opens (or creates) the page file at path. Call Initialize before fetching pages.
func New(path string, opts ...Option) (*AccessManager, error) {
	o := options{poolSize: DefaultPoolSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.poolSize < 1 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", o.poolSize)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.Noop()
	}

	sessionID := uuid.New()
	logger := o.logger.Named("access_manager").With(zap.String("session_id", sessionID.String()))

	metrics, err := internaltelemetry.NewStorageMetrics(o.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage metrics: %w", err)
	}

	disk, err := flushmanager.NewDiskManager(path, logger)
	if err != nil {
		return nil, err
	}

	am := &AccessManager{
		disk:      disk,
		pool:      memtable.NewBufferManager(o.poolSize, logger),
		pageTable: make(map[pagemanager.PageID]memtable.BufferID),
		sessionID: sessionID,
		logger:    logger,
		tel:       o.telemetry,
		metrics:   metrics,
	}
	am.pool.SetEvictionHook(am.evictInternal)
	return am, nil
}

// SessionID identifies this open instance in logs and traces.
func (am *AccessManager) SessionID() uuid.UUID { return am.sessionID }

func (am *AccessManager) Telemetry() *telemetry.Telemetry { return am.tel }

// Initialize makes sure page 0 holds a root. A brand new file gets a fresh leaf written at id 0.
func (am *AccessManager) Initialize() error {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return flushmanager.ErrClosed
	}

	_, err := am.fetchPageInternal(pagemanager.RootPageID)
	switch {
	case err == nil:
		am.logger.Info("existing root page loaded", zap.Uint32("next_page_id", uint32(am.disk.NextPageID())))
		return nil
	case errors.Is(err, flushmanager.ErrPageNotFound):
	default:
		return err
	}

	root := pagemanager.NewSlottedPage(pagemanager.MagicNumberLeaf)
	id, err := am.disk.AllocatePage(root)
	if err != nil {
		return fmt.Errorf("allocating root page: %w", err)
	}
	if id != pagemanager.RootPageID {
		return fmt.Errorf("%w: root allocated at page %d", flushmanager.ErrInvalidPageData, id)
	}
	am.metrics.PagesAllocatedCounter.Add(context.Background(), 1)

	slot, err := am.pool.AddPage(id, root)
	if err != nil {
		return err
	}
	if fresh, ok := am.pool.Peek(slot); ok {
		fresh.MarkDirty()
	}
	am.pageTable[id] = slot
	am.logger.Info("fresh root page created")
	return nil
}

// FetchPage returns the shared buffer holding page id, reading it from disk on a miss.
func (am *AccessManager) FetchPage(id pagemanager.PageID) (*memtable.PageBuffer, error) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return nil, flushmanager.ErrClosed
	}
	return am.fetchPageInternal(id)
}

// fetchPageInternal must be called with am.mu held.
func (am *AccessManager) fetchPageInternal(id pagemanager.PageID) (*memtable.PageBuffer, error) {
	ctx := context.Background()
	if slot, ok := am.pageTable[id]; ok {
		// The slot may have been recycled for another page since the mapping was recorded,
		// so the usage count is only bumped once the slot is known to hold id.
		if buf, ok := am.pool.Peek(slot); ok && buf.PageID() == id {
			am.pool.FetchPage(slot)
			am.hits++
			am.metrics.BufferHitsCounter.Add(ctx, 1)
			return buf, nil
		}
		delete(am.pageTable, id)
	}
	am.misses++
	am.metrics.BufferMissesCounter.Add(ctx, 1)

	page, err := am.disk.FetchPage(id)
	if err != nil {
		if errors.Is(err, flushmanager.ErrPageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading page %d: %w", flushmanager.ErrPageNotFound, id, err)
	}
	if err := page.VerifyChecksum(); err != nil {
		am.metrics.ChecksumFailuresCounter.Add(ctx, 1)
		am.logger.Error("corrupt page on disk", zap.Uint32("page_id", uint32(id)), zap.Error(err))
		return nil, fmt.Errorf("page %d: %w", id, err)
	}
	if page.IsEmpty() {
		return nil, fmt.Errorf("%w: page %d has magic number %#x", flushmanager.ErrInvalidPageData, id, page.Magic())
	}

	slot, err := am.pool.AddPage(id, page)
	if err != nil {
		return nil, fmt.Errorf("caching page %d: %w", id, err)
	}
	am.pageTable[id] = slot
	buf, _ := am.pool.Peek(slot)
	return buf, nil
}

// PinPage fetches page id and pins it until the lease is released.
func (am *AccessManager) PinPage(id pagemanager.PageID) (*memtable.Lease, error) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return nil, flushmanager.ErrClosed
	}
	if _, err := am.fetchPageInternal(id); err != nil {
		return nil, err
	}
	return am.pool.Pin(am.pageTable[id])
}

// NewPage appends a page with no cells to the file and returns it pinned. magicNumber must be
// MagicNumberLeaf or MagicNumberInternal. If the pool has no room the page stays allocated on disk and the error is returned.
func (am *AccessManager) NewPage(magicNumber uint32) (pagemanager.PageID, *memtable.Lease, error) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return 0, nil, flushmanager.ErrClosed
	}

	if !pagemanager.IsPopulatedMagic(magicNumber) {
		return 0, nil, fmt.Errorf("%w: new page magic number %#x", flushmanager.ErrInvalidPageData, magicNumber)
	}
	page := pagemanager.NewSlottedPage(magicNumber)
	id, err := am.disk.AllocatePage(page)
	if err != nil {
		return 0, nil, err
	}
	am.metrics.PagesAllocatedCounter.Add(context.Background(), 1)

	slot, err := am.pool.AddPage(id, page)
	if err != nil {
		am.logger.Warn("new page allocated but not cached", zap.Uint32("page_id", uint32(id)), zap.Error(err))
		return id, nil, fmt.Errorf("caching new page %d: %w", id, err)
	}
	am.pageTable[id] = slot
	lease, err := am.pool.Pin(slot)
	if err != nil {
		return id, nil, err
	}
	am.logger.Debug("page allocated", zap.Uint32("page_id", uint32(id)))
	return id, lease, nil
}

// FlushPage writes page id back to disk if it is cached and dirty.
func (am *AccessManager) FlushPage(id pagemanager.PageID) error {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return flushmanager.ErrClosed
	}
	slot, ok := am.pageTable[id]
	if !ok {
		return nil
	}
	buf, ok := am.pool.Peek(slot)
	if !ok || buf.PageID() != id || !buf.IsDirty() {
		return nil
	}
	return am.writeBackInternal(buf)
}

// FlushAll writes every dirty buffer back and syncs the file.
func (am *AccessManager) FlushAll() error {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return flushmanager.ErrClosed
	}
	return am.flushAllInternal()
}

func (am *AccessManager) flushAllInternal() error {
	var err error
	for _, buf := range am.pool.DirtyBuffers() {
		err = multierr.Append(err, am.writeBackInternal(buf))
	}
	if err != nil {
		return err
	}
	return am.disk.Sync()
}

// evictInternal is the pool's eviction hook. It runs while am.mu is held by the caller of AddPage.
func (am *AccessManager) evictInternal(victim *memtable.PageBuffer) error {
	if victim.IsDirty() {
		if err := am.writeBackInternal(victim); err != nil {
			return err
		}
	}
	delete(am.pageTable, victim.PageID())
	am.metrics.EvictionsCounter.Add(context.Background(), 1)
	return nil
}

func (am *AccessManager) writeBackInternal(buf *memtable.PageBuffer) error {
	guard, err := buf.Borrow()
	if err != nil {
		return err
	}
	defer guard.Release()

	page := guard.Page()
	// Modified borrows restamp on release; the cached image must already verify.
	if err := page.VerifyChecksum(); err != nil {
		return fmt.Errorf("refusing to write back page %d: %w", buf.PageID(), err)
	}
	if err := am.disk.WritePage(buf.PageID(), page); err != nil {
		return err
	}
	buf.MarkClean()
	am.metrics.WriteBacksCounter.Add(context.Background(), 1)
	am.logger.Debug("page written back", zap.Uint32("page_id", uint32(buf.PageID())))
	return nil
}

// Backup flushes all dirty pages and copies the page file to dst, throttled to bytesPerSec.
// Page access is blocked for the duration of the copy.
func (am *AccessManager) Backup(ctx context.Context, dst string, bytesPerSec int64) (common.CopyResult, error) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return common.CopyResult{}, flushmanager.ErrClosed
	}
	if err := am.flushAllInternal(); err != nil {
		return common.CopyResult{}, fmt.Errorf("flushing before backup: %w", err)
	}
	res, err := common.CopyThrottled(ctx, am.disk.Path(), dst, bytesPerSec)
	if err != nil {
		return res, fmt.Errorf("backup to %s: %w", dst, err)
	}
	am.logger.Info("backup complete",
		zap.String("destination", dst),
		zap.Int64("bytes", res.Bytes),
		zap.String("sha256", hex.EncodeToString(res.SHA256)))
	return res, nil
}

// NextPageID is the id the next allocation will receive, which is also the number of pages in the file.
func (am *AccessManager) NextPageID() pagemanager.PageID { return am.disk.NextPageID() }

func (am *AccessManager) Stats() Stats {
	am.mu.Lock()
	defer am.mu.Unlock()
	return Stats{
		SessionID:   am.sessionID.String(),
		Path:        am.disk.Path(),
		NextPageID:  am.disk.NextPageID(),
		CachedPages: len(am.pageTable),
		Hits:        am.hits,
		Misses:      am.misses,
		Pool:        am.pool.Stats(),
	}
}

// Close flushes every dirty page and closes the file. Further calls return nil.
func (am *AccessManager) Close() error {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return nil
	}
	am.closed = true
	err := multierr.Append(am.flushAllInternal(), am.disk.Close())
	if err != nil {
		am.logger.Error("close finished with errors", zap.Error(err))
		return err
	}
	am.logger.Info("access manager closed")
	return nil
}

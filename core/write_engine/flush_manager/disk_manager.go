package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager maps page ids onto a single flat page file. Page id N lives at byte offset N * PageSize.
type DiskManager struct {
	filePath   string
	file       *os.File
	nextPageID pagemanager.PageID
	mu         sync.Mutex
	logger     *zap.Logger
}

// NewDiskManager opens filePath for reading and writing, creating it when missing.
func NewDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening page file %s: %w", ErrIO, filePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat page file %s: %w", ErrIO, filePath, err)
	}

	dm := &DiskManager{
		filePath:   filePath,
		file:       file,
		nextPageID: pagemanager.PageID(info.Size() / pagemanager.PageSize),
		logger:     logger.Named("disk_manager"),
	}
	if info.Size()%pagemanager.PageSize != 0 {
		dm.logger.Warn("page file size is not a multiple of the page size, trailing bytes ignored",
			zap.String("path", filePath), zap.Int64("size", info.Size()))
	}
	dm.logger.Info("page file opened",
		zap.String("path", filePath), zap.Uint32("next_page_id", uint32(dm.nextPageID)))
	return dm, nil
}

// Path returns the page file location.
func (dm *DiskManager) Path() string { return dm.filePath }

// NextPageID returns the id the next AllocatePage call will hand out.
func (dm *DiskManager) NextPageID() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.nextPageID
}

// AllocatePage writes page at the next never-used id and returns that id.
func (dm *DiskManager) AllocatePage(page *pagemanager.SlottedPage) (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	pageID := dm.nextPageID
	if err := dm.writePageInternal(pageID, page); err != nil {
		return 0, err
	}
	dm.logger.Debug("page allocated", zap.Uint32("page_id", uint32(pageID)))
	return pageID, nil
}

// WritePage writes page at pageID. The page is written as is, its checksum is not restamped.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, page *pagemanager.SlottedPage) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writePageInternal(pageID, page)
}

// writePageInternal must be called with dm.mu held.
func (dm *DiskManager) writePageInternal(pageID pagemanager.PageID, page *pagemanager.SlottedPage) error {
	if dm.file == nil {
		return fmt.Errorf("%w: writing page %d", ErrClosed, pageID)
	}
	offset := int64(pageID) * pagemanager.PageSize
	n, err := dm.file.WriteAt(page.Bytes(), offset)
	if err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %w", ErrIO, pageID, offset, err)
	}
	if n != pagemanager.PageSize {
		return fmt.Errorf("%w: short write for page %d, expected %d, got %d", ErrIO, pageID, pagemanager.PageSize, n)
	}
	if pageID >= dm.nextPageID {
		dm.nextPageID = pageID + 1
	}
	return nil
}

// FetchPage reads page pageID from disk. Neither the checksum nor the magic number is validated here.
func (dm *DiskManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.SlottedPage, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil, fmt.Errorf("%w: reading page %d", ErrClosed, pageID)
	}
	data := make([]byte, pagemanager.PageSize)
	offset := int64(pageID) * pagemanager.PageSize
	n, err := dm.file.ReadAt(data, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: page %d at offset %d is beyond the end of %s", ErrPageNotFound, pageID, offset, dm.filePath)
		}
		return nil, fmt.Errorf("%w: reading page %d at offset %d: %w", ErrIO, pageID, offset, err)
	}
	if n != pagemanager.PageSize {
		return nil, fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, pagemanager.PageSize, n)
	}
	return pagemanager.WrapSlottedPage(data)
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %w", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the underlying file handle. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("error syncing page file on close", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrIO, dm.filePath, closeErr)
	}
	dm.logger.Info("page file closed", zap.String("path", dm.filePath))
	return nil
}

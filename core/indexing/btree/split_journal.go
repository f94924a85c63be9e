package btree

import (
	"fmt"

	accessmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/access_manager"
	"github.com/sushant-115/gojodb-pagestore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// allocFunc appends a page with the given magic number and returns it pinned.
type allocFunc func(magic uint32) (pagemanager.PageID, *memtable.Lease, error)

// splitJournal keeps the pre-split image of every page a split touches, plus the pages it
// allocated, so a failure at any level can put the tree back exactly as it was. Touched pages
// stay pinned until commit or rollback.
type splitJournal struct {
	am        *accessmanager.AccessManager
	allocate  allocFunc
	logger    *zap.Logger
	images    map[pagemanager.PageID][]byte
	leases    map[pagemanager.PageID]*memtable.Lease
	touched   []pagemanager.PageID
	allocated []pagemanager.PageID
}

func newSplitJournal(am *accessmanager.AccessManager, allocate allocFunc, logger *zap.Logger) *splitJournal {
	return &splitJournal{
		am:       am,
		allocate: allocate,
		logger:   logger,
		images:   make(map[pagemanager.PageID][]byte),
		leases:   make(map[pagemanager.PageID]*memtable.Lease),
	}
}

// capture pins page id and records its current image the first time the page is seen.
func (j *splitJournal) capture(id pagemanager.PageID) (*Node, error) {
	if lease, ok := j.leases[id]; ok {
		return NewNode(id, lease.Buffer())
	}
	lease, err := j.am.PinPage(id)
	if err != nil {
		return nil, err
	}
	guard, err := lease.Buffer().Borrow()
	if err != nil {
		lease.Release()
		return nil, err
	}
	j.images[id] = guard.Page().Clone().Bytes()
	guard.Release()

	j.leases[id] = lease
	j.touched = append(j.touched, id)
	return NewNode(id, lease.Buffer())
}

// newNode allocates a fresh page and keeps it pinned.
func (j *splitJournal) newNode(magic uint32) (*Node, error) {
	id, lease, err := j.allocate(magic)
	if err != nil {
		return nil, fmt.Errorf("allocating page for split: %w", err)
	}
	j.leases[id] = lease
	j.allocated = append(j.allocated, id)
	return NewNode(id, lease.Buffer())
}

// rollback restores every captured page and blanks the allocated ones.
// Allocated pages are not reclaimed: there is no free list, so they stay as empty leaves in the file.
func (j *splitJournal) rollback() error {
	var err error
	for _, id := range j.touched {
		err = multierr.Append(err, j.restore(id, func(page *pagemanager.SlottedPage) error {
			return page.CopyFrom(j.images[id])
		}))
	}
	for _, id := range j.allocated {
		err = multierr.Append(err, j.restore(id, func(page *pagemanager.SlottedPage) error {
			page.Reset(pagemanager.MagicNumberLeaf)
			return nil
		}))
	}
	j.logger.Warn("split rolled back",
		zap.Int("restored_pages", len(j.touched)),
		zap.Int("abandoned_pages", len(j.allocated)))
	j.releaseAll()
	return err
}

func (j *splitJournal) restore(id pagemanager.PageID, apply func(*pagemanager.SlottedPage) error) error {
	guard, err := j.leases[id].Buffer().BorrowMut()
	if err != nil {
		return fmt.Errorf("restoring page %d: %w", id, err)
	}
	defer guard.Release()
	guard.MarkModified()
	return apply(guard.Page())
}

// commit writes every page the split produced back to disk and drops the pins.
func (j *splitJournal) commit() error {
	var err error
	for _, id := range j.allocated {
		err = multierr.Append(err, j.am.FlushPage(id))
	}
	for _, id := range j.touched {
		err = multierr.Append(err, j.am.FlushPage(id))
	}
	j.releaseAll()
	return err
}

func (j *splitJournal) releaseAll() {
	for _, lease := range j.leases {
		lease.Release()
	}
	clear(j.leases)
}

package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-pagestore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// --- BTree Node ---

// Branch pages hold routing cells: the key is a separator and the value is the 4-byte big-endian
// id of the child covering keys >= separator. Cell 0 always carries an empty separator and points
// at the leftmost child.
const childIDSize = 4

// entry is a detached copy of one cell.
type entry struct {
	key   []byte
	value []byte
}

func (e entry) size() int { return pagemanager.CellSize(len(e.key), len(e.value)) }

func encodeChild(id pagemanager.PageID) []byte {
	b := make([]byte, childIDSize)
	binary.BigEndian.PutUint32(b, uint32(id))
	return b
}

func decodeChild(value []byte) (pagemanager.PageID, error) {
	if len(value) != childIDSize {
		return 0, fmt.Errorf("%w: routing cell value is %d bytes", flushmanager.ErrInvalidPageData, len(value))
	}
	return pagemanager.PageID(binary.BigEndian.Uint32(value)), nil
}

// Node is a transient B-tree view over a shared page buffer. It holds no state of its own,
// so a Node stays valid only as long as the buffer still caches the same page.
type Node struct {
	pageID pagemanager.PageID
	buffer *memtable.PageBuffer
	leaf   bool
}

// NewNode classifies the page as leaf or branch. An empty page is not a node.
func NewNode(id pagemanager.PageID, buffer *memtable.PageBuffer) (*Node, error) {
	if buffer.PageID() != id {
		return nil, fmt.Errorf("%w: buffer holds page %d, not %d", flushmanager.ErrInvalidPageData, buffer.PageID(), id)
	}
	guard, err := buffer.Borrow()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	page := guard.Page()
	if page.IsEmpty() {
		return nil, fmt.Errorf("%w: page %d has magic 0x%08x", flushmanager.ErrInvalidPageData, id, page.Magic())
	}
	return &Node{pageID: id, buffer: buffer, leaf: page.IsLeaf()}, nil
}

func (n *Node) ID() pagemanager.PageID { return n.pageID }
func (n *Node) IsLeaf() bool           { return n.leaf }

func (n *Node) magic() uint32 {
	if n.leaf {
		return pagemanager.MagicNumberLeaf
	}
	return pagemanager.MagicNumberInternal
}

// search is a half-open bisection over the page's sorted pointers. It returns the index of key when
// present, otherwise the index at which key would be inserted.
func search(page *pagemanager.SlottedPage, key []byte) (int, bool) {
	lo, hi := 0, page.NumPointers()
	for lo < hi {
		mid := lo + (hi-lo)/2
		switch c := bytes.Compare(key, page.KeyAt(mid)); {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// Find locates key in the node. found reports an exact match; otherwise idx is the insertion point.
func (n *Node) Find(key []byte) (idx int, found bool, err error) {
	guard, err := n.buffer.Borrow()
	if err != nil {
		return 0, false, err
	}
	defer guard.Release()
	idx, found = search(guard.Page(), key)
	return idx, found, nil
}

func (n *Node) Len() (int, error) {
	guard, err := n.buffer.Borrow()
	if err != nil {
		return 0, err
	}
	defer guard.Release()
	return guard.Page().NumPointers(), nil
}

// Get returns a copy of the value stored under key.
func (n *Node) Get(key []byte) ([]byte, bool, error) {
	guard, err := n.buffer.Borrow()
	if err != nil {
		return nil, false, err
	}
	defer guard.Release()
	page := guard.Page()
	idx, found := search(page, key)
	if !found {
		return nil, false, nil
	}
	_, value := page.CellAt(idx)
	return bytes.Clone(value), true, nil
}

// Insert stores key/value in this page, replacing the value of an existing key.
// ErrPageFull means the page was left untouched and the caller has to split or compact.
func (n *Node) Insert(key, value []byte) error {
	guard, err := n.buffer.BorrowMut()
	if err != nil {
		return err
	}
	defer guard.Release()

	page := guard.Page()
	idx, found := search(page, key)
	if !found {
		if err := page.InsertCell(idx, key, value); err != nil {
			return err
		}
		guard.MarkModified()
		return nil
	}
	if page.UpdateValueInPlace(idx, value) {
		guard.MarkModified()
		return nil
	}
	// Dropping the old pointer frees one pointer slot; the old cell bytes stay dead.
	if page.FreeSpace()+pagemanager.PointerSize < pagemanager.CellSize(len(key), len(value)) {
		return pagemanager.ErrPageFull
	}
	guard.MarkModified()
	page.RemoveCell(idx)
	return page.InsertCell(idx, key, value)
}

// Remove deletes key from the page. Its cell becomes dead space.
func (n *Node) Remove(key []byte) error {
	guard, err := n.buffer.BorrowMut()
	if err != nil {
		return err
	}
	defer guard.Release()

	page := guard.Page()
	idx, found := search(page, key)
	if !found {
		return fmt.Errorf("%w: page %d", flushmanager.ErrKeyNotFound, n.pageID)
	}
	page.RemoveCell(idx)
	guard.MarkModified()
	return nil
}

// ChildFor returns the child of a branch whose range covers key.
func (n *Node) ChildFor(key []byte) (pagemanager.PageID, error) {
	if n.leaf {
		return 0, fmt.Errorf("%w: page %d is a leaf", flushmanager.ErrInvalidPageData, n.pageID)
	}
	guard, err := n.buffer.Borrow()
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	page := guard.Page()
	idx, found := search(page, key)
	if !found {
		idx--
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: branch page %d has no leftmost child", flushmanager.ErrInvalidPageData, n.pageID)
	}
	_, value := page.CellAt(idx)
	return decodeChild(value)
}

// entries returns detached copies of every cell in order.
func (n *Node) entries() ([]entry, error) {
	guard, err := n.buffer.Borrow()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	page := guard.Page()
	out := make([]entry, page.NumPointers())
	for i := range out {
		key, value := page.CellAt(i)
		out[i] = entry{key: bytes.Clone(key), value: bytes.Clone(value)}
	}
	return out, nil
}

// entriesWith returns the node's entries with key/value merged in at its sorted position.
func (n *Node) entriesWith(key, value []byte) ([]entry, error) {
	all, err := n.entries()
	if err != nil {
		return nil, err
	}
	lo, hi := 0, len(all)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(all[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	e := entry{key: bytes.Clone(key), value: bytes.Clone(value)}
	if lo < len(all) && bytes.Equal(all[lo].key, key) {
		all[lo] = e
		return all, nil
	}
	all = append(all, entry{})
	copy(all[lo+1:], all[lo:])
	all[lo] = e
	return all, nil
}

// rewrite replaces the page contents with entries laid out compactly.
func (n *Node) rewrite(magic uint32, entries []entry) error {
	guard, err := n.buffer.BorrowMut()
	if err != nil {
		return err
	}
	defer guard.Release()

	page := guard.Page()
	page.Reset(magic)
	guard.MarkModified()
	for i, e := range entries {
		if err := page.InsertCell(i, e.key, e.value); err != nil {
			return fmt.Errorf("rewriting page %d: %w", n.pageID, err)
		}
	}
	n.leaf = magic == pagemanager.MagicNumberLeaf
	return nil
}

func fitsInPage(entries []entry) bool {
	total := 0
	for _, e := range entries {
		total += e.size()
	}
	return total <= pagemanager.PageSize-pagemanager.HeaderSize
}

// splitPoint picks the first index m where entries[:m] holds at least half the bytes,
// keeping both sides non-empty.
func splitPoint(entries []entry) int {
	total := 0
	for _, e := range entries {
		total += e.size()
	}
	m, acc := len(entries)-1, 0
	for i, e := range entries {
		acc += e.size()
		if acc*2 >= total {
			m = i + 1
			break
		}
	}
	return max(1, min(m, len(entries)-1))
}

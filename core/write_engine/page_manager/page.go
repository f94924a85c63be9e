package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

/*
 4 KiB per page, all integers big-endian.

 ---------------------------------------------------------------------
 | magic (4) | #pointers (2) | cell offset (2) | next overflow id (4) |
 ---------------------------------------------------------------------
 | checksum (4) | version (1) | reserved (4) | pointers ->            |
 ---------------------------------------------------------------------
 |                     ... free space ...                            |
 ---------------------------------------------------------------------
 |                                      <- cells (grow toward start) |
 ---------------------------------------------------------------------
*/

const (
	PageSize       = 4096
	HeaderSize     = 21
	PointerSize    = 4 // cell offset (2) + cell length (2)
	CellHeaderSize = 4 // key length (2) + value length (2)
	PageVersionV1  = uint8(1)

	// 0x32DD is the prefix shared by every populated page.
	MagicNumberLeaf     uint32 = 0x32DD56AA
	MagicNumberInternal uint32 = 0x32DD77AB
)

const (
	magicOffset        = 0
	numPointersOffset  = 4
	cellOffsetOffset   = 6
	nextOverflowOffset = 8
	checksumOffset     = 12
	versionOffset      = 16
)

// PageID is the logical identifier of a page; its byte offset in the page file is PageID * PageSize.
type PageID uint32

const (
	// RootPageID is reserved for the root of the tree.
	RootPageID PageID = 0
	// NoOverflowPage marks the absence of an overflow page in the header.
	NoOverflowPage PageID = 0
)

var (
	ErrPageFull         = errors.New("not enough free space in page")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
)

var zeroChecksum [4]byte

// SlottedPage is a view over one PageSize byte buffer laid out as a slotted page.
// Every mutating method leaves a freshly stamped checksum behind.
type SlottedPage struct {
	data []byte
}

// NewSlottedPage returns a zero-filled page with its header populated.
func NewSlottedPage(magicNumber uint32) *SlottedPage {
	p := &SlottedPage{data: make([]byte, PageSize)}
	p.Reset(magicNumber)
	return p
}

// WrapSlottedPage reinterprets data as a page without validating it. The page aliases data.
func WrapSlottedPage(data []byte) (*SlottedPage, error) {
	if len(data) != PageSize {
		return nil, fmt.Errorf("%w: page buffer is %d bytes, expected %d", ErrInvalidPageData, len(data), PageSize)
	}
	return &SlottedPage{data: data}, nil
}

// Reset clears the page and reinitialises the header with the given magic number.
func (p *SlottedPage) Reset(magicNumber uint32) {
	clear(p.data)
	binary.BigEndian.PutUint32(p.data[magicOffset:], magicNumber)
	binary.BigEndian.PutUint16(p.data[cellOffsetOffset:], PageSize)
	p.data[versionOffset] = PageVersionV1
	p.StampChecksum()
}

func (p *SlottedPage) Magic() uint32 { return binary.BigEndian.Uint32(p.data[magicOffset:]) }
func (p *SlottedPage) Version() uint8 { return p.data[versionOffset] }
func (p *SlottedPage) NumPointers() int {
	return int(binary.BigEndian.Uint16(p.data[numPointersOffset:]))
}
func (p *SlottedPage) CellOffset() int {
	return int(binary.BigEndian.Uint16(p.data[cellOffsetOffset:]))
}
func (p *SlottedPage) StoredChecksum() uint32 {
	return binary.BigEndian.Uint32(p.data[checksumOffset:])
}
func (p *SlottedPage) NextOverflowPageID() PageID {
	return PageID(binary.BigEndian.Uint32(p.data[nextOverflowOffset:]))
}

func (p *SlottedPage) SetNextOverflowPageID(id PageID) {
	binary.BigEndian.PutUint32(p.data[nextOverflowOffset:], uint32(id))
	p.StampChecksum()
}

// IsPopulatedMagic reports whether m marks a leaf or internal page.
func IsPopulatedMagic(m uint32) bool {
	return m == MagicNumberLeaf || m == MagicNumberInternal
}

// IsEmpty reports whether the page carries neither the leaf nor the internal magic number.
func (p *SlottedPage) IsEmpty() bool { return !IsPopulatedMagic(p.Magic()) }

func (p *SlottedPage) IsLeaf() bool     { return p.Magic() == MagicNumberLeaf }
func (p *SlottedPage) IsInternal() bool { return p.Magic() == MagicNumberInternal }

// Checksum computes the CRC32 of the page as if the checksum field were zero.
// The page itself is not modified.
func (p *SlottedPage) Checksum() uint32 {
	crc := crc32.ChecksumIEEE(p.data[:checksumOffset])
	crc = crc32.Update(crc, crc32.IEEETable, zeroChecksum[:])
	return crc32.Update(crc, crc32.IEEETable, p.data[checksumOffset+4:])
}

// StampChecksum recomputes the checksum and stores it in the header.
func (p *SlottedPage) StampChecksum() uint32 {
	sum := p.Checksum()
	binary.BigEndian.PutUint32(p.data[checksumOffset:], sum)
	return sum
}

// VerifyChecksum compares the stored checksum with a fresh one.
func (p *SlottedPage) VerifyChecksum() error {
	stored, calculated := p.StoredChecksum(), p.Checksum()
	if stored != calculated {
		return fmt.Errorf("%w: stored=0x%08x, calculated=0x%08x", ErrChecksumMismatch, stored, calculated)
	}
	return nil
}

// FreeSpace is the gap between the end of the pointer array and the lowest cell.
func (p *SlottedPage) FreeSpace() int {
	return p.CellOffset() - (HeaderSize + p.NumPointers()*PointerSize)
}

// PointerAt returns the cell offset and length stored in pointer i.
// An out of range index is a programming error and panics.
func (p *SlottedPage) PointerAt(i int) (uint16, uint16) {
	p.checkIndex(i)
	pos := HeaderSize + i*PointerSize
	return binary.BigEndian.Uint16(p.data[pos:]), binary.BigEndian.Uint16(p.data[pos+2:])
}

// CellAt returns the key and value of the cell referenced by pointer i.
// Both slices alias the page and are only valid until the next mutation.
func (p *SlottedPage) CellAt(i int) (key, value []byte) {
	off, _ := p.PointerAt(i)
	start := int(off)
	keyLen := int(binary.BigEndian.Uint16(p.data[start:]))
	valueLen := int(binary.BigEndian.Uint16(p.data[start+2:]))
	keyStart := start + CellHeaderSize
	valueStart := keyStart + keyLen
	end := valueStart + valueLen
	return p.data[keyStart:valueStart:valueStart], p.data[valueStart:end:end]
}

// KeyAt returns only the key of cell i.
func (p *SlottedPage) KeyAt(i int) []byte {
	key, _ := p.CellAt(i)
	return key
}

// CellSize is the space one key/value pair consumes, pointer included.
func CellSize(keyLen, valueLen int) int {
	return PointerSize + CellHeaderSize + keyLen + valueLen
}

// InsertCell stores key/value at pointer index i, shifting pointers at or after i up by one slot.
// Keeping pointers ordered is the caller's job. Returns ErrPageFull, leaving the page untouched,
// when the cell does not fit.
func (p *SlottedPage) InsertCell(i int, key, value []byte) error {
	n := p.NumPointers()
	if i < 0 || i > n {
		panic(fmt.Sprintf("pagemanager: insert index %d out of range [0,%d]", i, n))
	}
	if p.FreeSpace() < CellSize(len(key), len(value)) {
		return ErrPageFull
	}

	cellLen := CellHeaderSize + len(key) + len(value)
	cellOff := p.CellOffset() - cellLen
	binary.BigEndian.PutUint16(p.data[cellOff:], uint16(len(key)))
	binary.BigEndian.PutUint16(p.data[cellOff+2:], uint16(len(value)))
	copy(p.data[cellOff+CellHeaderSize:], key)
	copy(p.data[cellOff+CellHeaderSize+len(key):], value)

	pos := HeaderSize + i*PointerSize
	end := HeaderSize + n*PointerSize
	copy(p.data[pos+PointerSize:end+PointerSize], p.data[pos:end])
	binary.BigEndian.PutUint16(p.data[pos:], uint16(cellOff))
	binary.BigEndian.PutUint16(p.data[pos+2:], uint16(cellLen))

	binary.BigEndian.PutUint16(p.data[cellOffsetOffset:], uint16(cellOff))
	binary.BigEndian.PutUint16(p.data[numPointersOffset:], uint16(n+1))
	p.StampChecksum()
	return nil
}

// RemoveCell drops pointer i. The cell bytes stay behind as dead space.
func (p *SlottedPage) RemoveCell(i int) {
	p.checkIndex(i)
	n := p.NumPointers()
	pos := HeaderSize + i*PointerSize
	end := HeaderSize + n*PointerSize
	copy(p.data[pos:end-PointerSize], p.data[pos+PointerSize:end])
	clear(p.data[end-PointerSize : end])
	binary.BigEndian.PutUint16(p.data[numPointersOffset:], uint16(n-1))
	p.StampChecksum()
}

// UpdateValueInPlace overwrites the value of cell i when the new value is no longer than the old one.
// It reports false, leaving the page untouched, when the value does not fit.
func (p *SlottedPage) UpdateValueInPlace(i int, value []byte) bool {
	off, _ := p.PointerAt(i)
	start := int(off)
	keyLen := int(binary.BigEndian.Uint16(p.data[start:]))
	oldLen := int(binary.BigEndian.Uint16(p.data[start+2:]))
	if len(value) > oldLen {
		return false
	}
	valueStart := start + CellHeaderSize + keyLen
	copy(p.data[valueStart:], value)
	clear(p.data[valueStart+len(value) : valueStart+oldLen])
	binary.BigEndian.PutUint16(p.data[start+2:], uint16(len(value)))
	binary.BigEndian.PutUint16(p.data[HeaderSize+i*PointerSize+2:], uint16(CellHeaderSize+keyLen+len(value)))
	p.StampChecksum()
	return true
}

// LiveBytes is the space used by reachable pointers and cells, excluding dead cells.
func (p *SlottedPage) LiveBytes() int {
	total := 0
	for i := 0; i < p.NumPointers(); i++ {
		_, l := p.PointerAt(i)
		total += PointerSize + int(l)
	}
	return total
}

// Bytes exposes the raw page image.
func (p *SlottedPage) Bytes() []byte { return p.data }

// Clone returns a deep copy of the page.
func (p *SlottedPage) Clone() *SlottedPage {
	data := make([]byte, PageSize)
	copy(data, p.data)
	return &SlottedPage{data: data}
}

// CopyFrom overwrites the page with a previously captured image.
func (p *SlottedPage) CopyFrom(image []byte) error {
	if len(image) != PageSize {
		return fmt.Errorf("%w: image is %d bytes, expected %d", ErrInvalidPageData, len(image), PageSize)
	}
	copy(p.data, image)
	return nil
}

func (p *SlottedPage) checkIndex(i int) {
	if n := p.NumPointers(); i < 0 || i >= n {
		panic(fmt.Sprintf("pagemanager: pointer index %d out of range [0,%d)", i, n))
	}
}

package flushmanager

import (
	"errors"

	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	ErrIO                 = errors.New("i/o error")
	ErrPageNotFound       = errors.New("page not found")
	ErrBufferPoolFull     = errors.New("buffer pool is full and no pages can be evicted")
	ErrConcurrentMutation = errors.New("page buffer is already borrowed")
	ErrKeyNotFound        = errors.New("key not found")
	ErrEmptyKey           = errors.New("key must not be empty")
	ErrEntryTooLarge      = errors.New("entry too large to fit in a page with its siblings")
	ErrClosed             = errors.New("storage is closed")

	// Page level errors live next to the page format; re-exported so callers only need one import.
	ErrPageFull         = pagemanager.ErrPageFull
	ErrChecksumMismatch = pagemanager.ErrChecksumMismatch
	ErrInvalidPageData  = pagemanager.ErrInvalidPageData
)

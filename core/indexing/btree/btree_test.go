package btree

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	accessmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/access_manager"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-pagestore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func setupTree(t *testing.T, path string, opts ...accessmanager.Option) (*BTree, *accessmanager.AccessManager) {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	am, err := accessmanager.New(path, append([]accessmanager.Option{accessmanager.WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { am.Close() })

	tree, err := NewBTree(am, logger)
	require.NoError(t, err)
	return tree, am
}

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "btree.db")
}

func keyFor(i int) []byte   { return []byte(fmt.Sprintf("key-%05d", i)) }
func valueFor(i int) []byte { return []byte(fmt.Sprintf("value-%05d-%s", i, strings.Repeat("x", 30))) }

func collect(t *testing.T, tree *BTree, start []byte) [][]byte {
	t.Helper()
	var keys [][]byte
	require.NoError(t, tree.AscendFrom(context.Background(), start, func(key, _ []byte) bool {
		keys = append(keys, bytes.Clone(key))
		return true
	}))
	return keys
}

func rootBytes(t *testing.T, am *accessmanager.AccessManager) []byte {
	t.Helper()
	buf, err := am.FetchPage(pagemanager.RootPageID)
	require.NoError(t, err)
	guard, err := buf.Borrow()
	require.NoError(t, err)
	defer guard.Release()
	return guard.Page().Clone().Bytes()
}

// wideKey and wideValue make 800-byte entries: five per leaf and thirteen routing cells per
// branch, so a few hundred keys build a tree three or four levels deep.
func wideKey(i int) []byte   { return []byte(fmt.Sprintf("%06d%s", i, strings.Repeat("k", 294))) }
func wideValue(i int) []byte { return []byte(fmt.Sprintf("v%06d%s", i, strings.Repeat("v", 493))) }

func snapshotPages(t *testing.T, am *accessmanager.AccessManager, upTo pagemanager.PageID) map[pagemanager.PageID][]byte {
	t.Helper()
	pages := make(map[pagemanager.PageID][]byte, upTo)
	for id := pagemanager.PageID(0); id < upTo; id++ {
		buf, err := am.FetchPage(id)
		require.NoError(t, err)
		guard, err := buf.Borrow()
		require.NoError(t, err)
		pages[id] = guard.Page().Clone().Bytes()
		guard.Release()
	}
	return pages
}

func dumpEntries(t *testing.T, tree *BTree) []string {
	t.Helper()
	var out []string
	require.NoError(t, tree.Ascend(context.Background(), func(key, value []byte) bool {
		out = append(out, string(key)+"="+string(value))
		return true
	}))
	return out
}

func requireBlankLeaf(t *testing.T, am *accessmanager.AccessManager, id pagemanager.PageID) {
	t.Helper()
	buf, err := am.FetchPage(id)
	require.NoError(t, err)
	guard, err := buf.Borrow()
	require.NoError(t, err)
	defer guard.Release()
	require.True(t, guard.Page().IsLeaf(), "page %d", id)
	require.Zero(t, guard.Page().NumPointers(), "page %d", id)
}

// --- Test Cases ---

func TestBTree_InsertSearchWithSplits(t *testing.T) {
	tree, am := setupTree(t, tempDBPath(t))
	ctx := context.Background()
	const n = 2000

	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, keyFor(i), valueFor(i)))
	}

	height, err := tree.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, height, 2, "2000 entries cannot fit in one page")
	require.Greater(t, am.NextPageID(), pagemanager.PageID(2))

	for i := 0; i < n; i++ {
		value, found, err := tree.Search(ctx, keyFor(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, valueFor(i), value)
	}

	_, found, err := tree.Search(ctx, []byte("missing"))
	require.NoError(t, err)
	require.False(t, found)

	keys := collect(t, tree, nil)
	require.Len(t, keys, n)
	for i, key := range keys {
		require.Equal(t, keyFor(i), key)
	}
}

func TestBTree_RandomOrderStaysSorted(t *testing.T) {
	tree, _ := setupTree(t, tempDBPath(t), accessmanager.WithPoolSize(8))
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	order := rng.Perm(3000)

	for _, i := range order {
		require.NoError(t, tree.Insert(ctx, keyFor(i), valueFor(i)))
	}

	keys := collect(t, tree, nil)
	require.Len(t, keys, len(order))
	for i := 1; i < len(keys); i++ {
		require.Negative(t, bytes.Compare(keys[i-1], keys[i]), "keys out of order at %d", i)
	}
	for _, i := range order[:200] {
		value, found, err := tree.Search(ctx, keyFor(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, valueFor(i), value)
	}
}

func TestBTree_LargeEntriesSplitCleanly(t *testing.T) {
	tree, _ := setupTree(t, tempDBPath(t))
	ctx := context.Background()
	value := bytes.Repeat([]byte{'v'}, MaxEntrySize-len(keyFor(0)))

	for i := 0; i < 60; i++ {
		require.NoError(t, tree.Insert(ctx, keyFor(i), value))
	}
	for i := 0; i < 60; i++ {
		got, found, err := tree.Search(ctx, keyFor(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, value, got)
	}
	require.Len(t, collect(t, tree, nil), 60)
}

func TestBTree_LongKeysSplitBranches(t *testing.T) {
	tree, _ := setupTree(t, tempDBPath(t), accessmanager.WithPoolSize(16))
	ctx := context.Background()
	longKey := func(i int) []byte {
		return append(bytes.Repeat([]byte{'k'}, MaxKeySize-6), []byte(fmt.Sprintf("%06d", i))...)
	}

	// Separators this large fill a branch after a handful of leaves.
	for i := 0; i < 40; i++ {
		require.NoError(t, tree.Insert(ctx, longKey(i), []byte{byte(i)}))
	}
	height, err := tree.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, height, 3)

	for i := 0; i < 40; i++ {
		value, found, err := tree.Search(ctx, longKey(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, []byte{byte(i)}, value)
	}
	require.Len(t, collect(t, tree, nil), 40)
}

func TestBTree_DuplicateKeyReplacesValue(t *testing.T) {
	tree, _ := setupTree(t, tempDBPath(t))
	ctx := context.Background()
	key := []byte("dup")

	require.NoError(t, tree.Insert(ctx, key, []byte("original-value")))
	require.NoError(t, tree.Insert(ctx, key, []byte("short")))
	value, _, err := tree.Search(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "short", string(value))

	require.NoError(t, tree.Insert(ctx, key, []byte("a considerably longer replacement value")))
	value, _, err = tree.Search(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "a considerably longer replacement value", string(value))
	require.Len(t, collect(t, tree, nil), 1)
}

func TestBTree_GrowingUpdatesCompactInsteadOfSplitting(t *testing.T) {
	tree, am := setupTree(t, tempDBPath(t))
	ctx := context.Background()
	key := []byte("hot")

	// Every update outgrows the previous cell, leaving dead space behind.
	for size := 400; size < 440; size++ {
		require.NoError(t, tree.Insert(ctx, key, bytes.Repeat([]byte{'z'}, size)))
	}

	value, found, err := tree.Search(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, value, 439)

	height, err := tree.Height()
	require.NoError(t, err)
	require.Equal(t, 1, height)
	require.Equal(t, pagemanager.PageID(1), am.NextPageID(), "no page was allocated")
}

func TestBTree_Delete(t *testing.T) {
	tree, _ := setupTree(t, tempDBPath(t))
	ctx := context.Background()
	const n = 600
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, keyFor(i), valueFor(i)))
	}
	for i := 0; i < n; i += 2 {
		require.NoError(t, tree.Delete(ctx, keyFor(i)))
	}
	require.ErrorIs(t, tree.Delete(ctx, keyFor(0)), flushmanager.ErrKeyNotFound)

	for i := 0; i < n; i++ {
		_, found, err := tree.Search(ctx, keyFor(i))
		require.NoError(t, err)
		require.Equal(t, i%2 == 1, found, "key %d", i)
	}
	require.Len(t, collect(t, tree, nil), n/2)

	// Deleted keys can come back.
	require.NoError(t, tree.Insert(ctx, keyFor(0), []byte("again")))
	value, found, err := tree.Search(ctx, keyFor(0))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "again", string(value))
}

func TestBTree_AscendFrom(t *testing.T) {
	tree, _ := setupTree(t, tempDBPath(t))
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		require.NoError(t, tree.Insert(ctx, keyFor(i), valueFor(i)))
	}

	keys := collect(t, tree, keyFor(750))
	require.Len(t, keys, 250)
	require.Equal(t, keyFor(750), keys[0])

	keys = collect(t, tree, []byte("key-00100x"))
	require.Equal(t, keyFor(101), keys[0])

	var seen int
	require.NoError(t, tree.Ascend(ctx, func(_, _ []byte) bool {
		seen++
		return seen < 10
	}))
	require.Equal(t, 10, seen, "returning false stops the scan")
}

func TestBTree_RejectsBadInput(t *testing.T) {
	tree, _ := setupTree(t, tempDBPath(t))
	ctx := context.Background()

	require.ErrorIs(t, tree.Insert(ctx, nil, []byte("v")), flushmanager.ErrEmptyKey)
	require.ErrorIs(t, tree.Insert(ctx, []byte{}, []byte("v")), flushmanager.ErrEmptyKey)
	_, _, err := tree.Search(ctx, nil)
	require.ErrorIs(t, err, flushmanager.ErrEmptyKey)
	require.ErrorIs(t, tree.Delete(ctx, nil), flushmanager.ErrEmptyKey)

	require.ErrorIs(t, tree.Insert(ctx, []byte("k"), make([]byte, MaxEntrySize)), flushmanager.ErrEntryTooLarge)
	require.ErrorIs(t, tree.Insert(ctx, make([]byte, MaxKeySize+1), nil), flushmanager.ErrEntryTooLarge)
	require.NoError(t, tree.Insert(ctx, []byte("k"), make([]byte, MaxEntrySize-1)))
}

func TestBTree_PersistsAcrossReopen(t *testing.T) {
	path := tempDBPath(t)
	ctx := context.Background()

	am, err := accessmanager.New(path, accessmanager.WithPoolSize(6))
	require.NoError(t, err)
	tree, err := NewBTree(am, nil)
	require.NoError(t, err)
	for i := 0; i < 1500; i++ {
		require.NoError(t, tree.Insert(ctx, keyFor(i), valueFor(i)))
	}
	require.NoError(t, am.Close())

	reopened, _ := setupTree(t, path)
	for i := 0; i < 1500; i += 7 {
		value, found, err := reopened.Search(ctx, keyFor(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, valueFor(i), value)
	}
	require.Len(t, collect(t, reopened, nil), 1500)
}

func TestBTree_FailedRootSplitRollsBack(t *testing.T) {
	// Two slots: the root and the first new page get pinned, so the second allocation fails.
	tree, am := setupTree(t, tempDBPath(t), accessmanager.WithPoolSize(2))
	ctx := context.Background()

	var inserted int
	for i := 0; i < 200; i++ {
		before := rootBytes(t, am)
		err := tree.Insert(ctx, keyFor(i), valueFor(i))
		if err != nil {
			require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
			require.Equal(t, before, rootBytes(t, am), "root must be byte-identical after rollback")
			break
		}
		inserted++
	}
	require.Less(t, inserted, 200, "the root leaf must have filled up")

	height, err := tree.Height()
	require.NoError(t, err)
	require.Equal(t, 1, height)
	for i := 0; i < inserted; i++ {
		value, found, err := tree.Search(ctx, keyFor(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, valueFor(i), value)
	}
	_, found, err := tree.Search(ctx, keyFor(inserted))
	require.NoError(t, err)
	require.False(t, found)
}

func TestBTree_FailedUpperLevelSplitRollsBack(t *testing.T) {
	tree, am := setupTree(t, tempDBPath(t), accessmanager.WithPoolSize(512))
	ctx := context.Background()

	// failAt makes the n-th allocation of one insert fail, after the lower levels have already split.
	var calls, failAt int
	tree.allocate = func(magic uint32) (pagemanager.PageID, *memtable.Lease, error) {
		calls++
		if failAt > 0 && calls == failAt {
			return 0, nil, fmt.Errorf("%w: no slot for a new page", flushmanager.ErrBufferPoolFull)
		}
		return am.NewPage(magic)
	}

	const total = 400
	failuresByHeight := map[int]int{}
	for _, i := range rand.New(rand.NewSource(7)).Perm(total) {
		height, err := tree.Height()
		require.NoError(t, err)

		committed := false
		for _, n := range []int{2, 3} {
			if height < 2 {
				break
			}
			next := am.NextPageID()
			pages := snapshotPages(t, am, next)
			entries := dumpEntries(t, tree)

			calls, failAt = 0, n
			err := tree.Insert(ctx, wideKey(i), wideValue(i))
			failAt = 0
			if err == nil {
				committed = true
				break
			}
			require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
			require.Equal(t, n, calls)
			failuresByHeight[height]++

			require.Equal(t, pages, snapshotPages(t, am, next), "every page that existed is byte-identical")
			after, err := tree.Height()
			require.NoError(t, err)
			require.Equal(t, height, after)
			require.Equal(t, entries, dumpEntries(t, tree))
			for id := next; id < am.NextPageID(); id++ {
				requireBlankLeaf(t, am, id)
			}
		}
		if !committed {
			require.NoError(t, tree.Insert(ctx, wideKey(i), wideValue(i)))
		}
	}

	// Height 2: a leaf split whose root overflows. Height 3: a branch split below the root.
	require.Positive(t, failuresByHeight[2])
	require.Positive(t, failuresByHeight[3])
	require.Len(t, dumpEntries(t, tree), total)
	for i := 0; i < total; i += 13 {
		value, found, err := tree.Search(ctx, wideKey(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, wideValue(i), value)
	}
	require.Zero(t, am.Stats().Pool.Pinned, "rollback releases every pin")
}

func TestBTree_SmallPoolRollsBackCascadingSplits(t *testing.T) {
	ctx := context.Background()
	for _, poolSize := range []int{3, 4, 5} {
		t.Run(fmt.Sprintf("pool=%d", poolSize), func(t *testing.T) {
			tree, am := setupTree(t, tempDBPath(t), accessmanager.WithPoolSize(poolSize))

			committed := map[int]bool{}
			var failures int
			for _, i := range rand.New(rand.NewSource(int64(poolSize))).Perm(250) {
				entries := dumpEntries(t, tree)
				height, err := tree.Height()
				require.NoError(t, err)

				if err := tree.Insert(ctx, wideKey(i), wideValue(i)); err != nil {
					require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
					failures++
					after, err := tree.Height()
					require.NoError(t, err)
					require.Equal(t, height, after)
					require.Equal(t, entries, dumpEntries(t, tree))
					continue
				}
				committed[i] = true
			}

			if poolSize == 3 {
				require.Positive(t, failures, "a root split below a full branch needs four pins")
			}
			require.Len(t, dumpEntries(t, tree), len(committed))
			for i := range committed {
				_, found, err := tree.Search(ctx, wideKey(i))
				require.NoError(t, err)
				require.True(t, found, "key %d", i)
			}
			require.Zero(t, am.Stats().Pool.Pinned)
		})
	}
}

func TestSplitJournal_CaptureTwiceAndRollback(t *testing.T) {
	tree, am := setupTree(t, tempDBPath(t))
	before := rootBytes(t, am)

	j := newSplitJournal(am, am.NewPage, tree.logger)
	first, err := j.capture(pagemanager.RootPageID)
	require.NoError(t, err)
	second, err := j.capture(pagemanager.RootPageID)
	require.NoError(t, err)
	require.Same(t, first.buffer, second.buffer)
	require.Len(t, j.touched, 1, "a page is journaled once")

	require.NoError(t, first.Insert([]byte("a"), []byte("1")))
	fresh, err := j.newNode(pagemanager.MagicNumberInternal)
	require.NoError(t, err)
	require.NoError(t, fresh.rewrite(pagemanager.MagicNumberInternal, []entry{{key: []byte{}, value: encodeChild(0)}}))
	require.Equal(t, 2, am.Stats().Pool.Pinned)

	require.NoError(t, j.rollback())
	require.Equal(t, before, rootBytes(t, am))
	requireBlankLeaf(t, am, fresh.ID())
	require.Zero(t, am.Stats().Pool.Pinned)
}

func TestBTree_RecordsMetrics(t *testing.T) {
	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "btree-test"})
	require.NoError(t, err)
	defer shutdown(context.Background())

	tree, _ := setupTree(t, tempDBPath(t), accessmanager.WithTelemetry(tel))
	ctx := context.Background()
	for i := 0; i < 300; i++ {
		require.NoError(t, tree.Insert(ctx, keyFor(i), valueFor(i)))
	}
	_, _, err = tree.Search(ctx, keyFor(1))
	require.NoError(t, err)

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	hasMetric := func(prefix string) bool {
		for _, f := range families {
			if strings.HasPrefix(strings.ReplaceAll(f.GetName(), ".", "_"), prefix) {
				return true
			}
		}
		return false
	}
	require.True(t, hasMetric("gojodb_btree_ops_started"))
	require.True(t, hasMetric("gojodb_btree_splits"))
	require.True(t, hasMetric("gojodb_storage_page_allocated"))
}

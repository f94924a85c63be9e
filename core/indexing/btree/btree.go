package btree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	accessmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/access_manager"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagestore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// MaxEntrySize bounds key+value so that any four entries share a page, which keeps
	// both halves of a split (plus the entry that caused it) within one page.
	MaxEntrySize = (pagemanager.PageSize-pagemanager.HeaderSize)/4 - (pagemanager.PointerSize + pagemanager.CellHeaderSize)
	// MaxKeySize leaves room for the child id when a key is promoted into a branch.
	MaxKeySize = MaxEntrySize - childIDSize

	maxDepth = 64
)

// BTree is an ordered byte-key index whose root always lives at page 0.
// All operations are serialized by an internal mutex.
type BTree struct {
	am        *accessmanager.AccessManager
	allocate  allocFunc
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *internaltelemetry.TreeMetrics
	sessionID string
	mu        sync.Mutex
}

// NewBTree initializes the access manager (creating the root on a fresh file) and returns the tree on top of it.
func NewBTree(am *accessmanager.AccessManager, logger *zap.Logger) (*BTree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := am.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing root page: %w", err)
	}
	tel := am.Telemetry()
	metrics, err := internaltelemetry.NewTreeMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree metrics: %w", err)
	}
	sessionID := am.SessionID().String()
	return &BTree{
		am:        am,
		allocate:  am.NewPage,
		logger:    logger.Named("btree").With(zap.String("session_id", sessionID)),
		tracer:    tel.Tracer,
		metrics:   metrics,
		sessionID: sessionID,
	}, nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return flushmanager.ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: key is %d bytes, limit %d", flushmanager.ErrEntryTooLarge, len(key), MaxKeySize)
	}
	return nil
}

func (bt *BTree) node(id pagemanager.PageID) (*Node, error) {
	buf, err := bt.am.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return NewNode(id, buf)
}

// descend walks from the root to the leaf covering key, returning the branch ids passed on the way.
func (bt *BTree) descend(key []byte) ([]pagemanager.PageID, pagemanager.PageID, error) {
	var ancestors []pagemanager.PageID
	id := pagemanager.RootPageID
	for depth := 0; depth < maxDepth; depth++ {
		n, err := bt.node(id)
		if err != nil {
			return nil, 0, err
		}
		if n.IsLeaf() {
			return ancestors, id, nil
		}
		child, err := n.ChildFor(key)
		if err != nil {
			return nil, 0, err
		}
		ancestors = append(ancestors, id)
		id = child
	}
	return nil, 0, fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrInvalidPageData, maxDepth)
}

// Insert stores value under key, replacing any previous value.
func (bt *BTree) Insert(ctx context.Context, key, value []byte) (err error) {
	ctx, span, startTime := bt.StartMetricsAndTrace(ctx, "Insert")
	defer func() { bt.EndMetricsAndTrace(ctx, span, startTime, "Insert", err) }()

	if err := validateKey(key); err != nil {
		return err
	}
	if len(key)+len(value) > MaxEntrySize {
		return fmt.Errorf("%w: entry is %d bytes, limit %d", flushmanager.ErrEntryTooLarge, len(key)+len(value), MaxEntrySize)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	ancestors, leafID, err := bt.descend(key)
	if err != nil {
		return err
	}
	leaf, err := bt.node(leafID)
	if err != nil {
		return err
	}
	err = leaf.Insert(key, value)
	if !errors.Is(err, pagemanager.ErrPageFull) {
		return err
	}

	entries, err := leaf.entriesWith(key, value)
	if err != nil {
		return err
	}
	j := newSplitJournal(bt.am, bt.allocate, bt.logger)
	if err := bt.splitInsert(ctx, j, ancestors, leafID, entries); err != nil {
		if rbErr := j.rollback(); rbErr != nil {
			bt.logger.Error("split rollback incomplete", zap.Error(rbErr))
			return errors.Join(err, rbErr)
		}
		return err
	}
	return j.commit()
}

// splitInsert writes entries, which no longer fit page id as is, into the tree. The page is
// compacted when the live entries fit, otherwise split, and the split walks up ancestors until
// a parent absorbs the new separator. Every touched page goes through j.
func (bt *BTree) splitInsert(ctx context.Context, j *splitJournal, ancestors []pagemanager.PageID, id pagemanager.PageID, entries []entry) error {
	for {
		n, err := j.capture(id)
		if err != nil {
			return err
		}
		if fitsInPage(entries) {
			bt.logger.Debug("page compacted instead of split", zap.Uint32("page_id", uint32(id)))
			return n.rewrite(n.magic(), entries)
		}

		m := splitPoint(entries)
		var left, right []entry
		var separator []byte
		if n.IsLeaf() {
			// Leaf separators are copied up: the right half keeps its first key.
			left, right = entries[:m], entries[m:]
			separator = right[0].key
		} else {
			// Branch separators move up: the right half starts over with an empty routing key.
			left = entries[:m]
			separator = entries[m].key
			right = append([]entry{{key: []byte{}, value: entries[m].value}}, entries[m+1:]...)
		}
		magic := n.magic()

		if id == pagemanager.RootPageID {
			// The root never moves: its halves go to two new pages and page 0 becomes their parent.
			leftNode, err := j.newNode(magic)
			if err != nil {
				return err
			}
			rightNode, err := j.newNode(magic)
			if err != nil {
				return err
			}
			if err := leftNode.rewrite(magic, left); err != nil {
				return err
			}
			if err := rightNode.rewrite(magic, right); err != nil {
				return err
			}
			root := []entry{
				{key: []byte{}, value: encodeChild(leftNode.ID())},
				{key: separator, value: encodeChild(rightNode.ID())},
			}
			if err := n.rewrite(pagemanager.MagicNumberInternal, root); err != nil {
				return err
			}
			bt.metrics.SplitsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("btree.root", true)))
			bt.logger.Info("root split",
				zap.Uint32("left_page_id", uint32(leftNode.ID())),
				zap.Uint32("right_page_id", uint32(rightNode.ID())))
			return nil
		}

		rightNode, err := j.newNode(magic)
		if err != nil {
			return err
		}
		if err := rightNode.rewrite(magic, right); err != nil {
			return err
		}
		if err := n.rewrite(magic, left); err != nil {
			return err
		}
		bt.metrics.SplitsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("btree.root", false)))
		bt.logger.Debug("page split",
			zap.Uint32("page_id", uint32(id)),
			zap.Uint32("right_page_id", uint32(rightNode.ID())))

		if len(ancestors) == 0 {
			return fmt.Errorf("%w: page %d split without a parent", flushmanager.ErrInvalidPageData, id)
		}
		parentID := ancestors[len(ancestors)-1]
		ancestors = ancestors[:len(ancestors)-1]
		parent, err := j.capture(parentID)
		if err != nil {
			return err
		}
		child := encodeChild(rightNode.ID())
		err = parent.Insert(separator, child)
		if !errors.Is(err, pagemanager.ErrPageFull) {
			return err
		}
		if entries, err = parent.entriesWith(separator, child); err != nil {
			return err
		}
		id = parentID
	}
}

// Search returns a copy of the value stored under key.
func (bt *BTree) Search(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	ctx, span, startTime := bt.StartMetricsAndTrace(ctx, "Search")
	defer func() { bt.EndMetricsAndTrace(ctx, span, startTime, "Search", err) }()

	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()

	_, leafID, err := bt.descend(key)
	if err != nil {
		return nil, false, err
	}
	leaf, err := bt.node(leafID)
	if err != nil {
		return nil, false, err
	}
	return leaf.Get(key)
}

// Delete removes key. Pages are never merged or rebalanced; an emptied leaf stays in the tree.
func (bt *BTree) Delete(ctx context.Context, key []byte) (err error) {
	ctx, span, startTime := bt.StartMetricsAndTrace(ctx, "Delete")
	defer func() { bt.EndMetricsAndTrace(ctx, span, startTime, "Delete", err) }()

	if err := validateKey(key); err != nil {
		return err
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()

	_, leafID, err := bt.descend(key)
	if err != nil {
		return err
	}
	leaf, err := bt.node(leafID)
	if err != nil {
		return err
	}
	return leaf.Remove(key)
}

// Ascend calls fn for every entry in key order until fn returns false.
func (bt *BTree) Ascend(ctx context.Context, fn func(key, value []byte) bool) error {
	return bt.AscendFrom(ctx, nil, fn)
}

// AscendFrom is Ascend starting at the first key >= start.
func (bt *BTree) AscendFrom(ctx context.Context, start []byte, fn func(key, value []byte) bool) (err error) {
	ctx, span, startTime := bt.StartMetricsAndTrace(ctx, "Ascend")
	defer func() { bt.EndMetricsAndTrace(ctx, span, startTime, "Ascend", err) }()

	bt.mu.Lock()
	defer bt.mu.Unlock()
	_, err = bt.ascend(pagemanager.RootPageID, start, fn, 0)
	return err
}

func (bt *BTree) ascend(id pagemanager.PageID, start []byte, fn func(key, value []byte) bool, depth int) (bool, error) {
	if depth >= maxDepth {
		return false, fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrInvalidPageData, maxDepth)
	}
	n, err := bt.node(id)
	if err != nil {
		return false, err
	}
	// Entries are copied out so children can be fetched, and this page evicted, while iterating.
	entries, err := n.entries()
	if err != nil {
		return false, err
	}

	if n.IsLeaf() {
		for _, e := range entries {
			if start != nil && bytes.Compare(e.key, start) < 0 {
				continue
			}
			if !fn(e.key, e.value) {
				return false, nil
			}
		}
		return true, nil
	}

	for i, e := range entries {
		// Child i covers [key_i, key_i+1); skip it when it lies entirely below start.
		if start != nil && i+1 < len(entries) && bytes.Compare(entries[i+1].key, start) <= 0 {
			continue
		}
		child, err := decodeChild(e.value)
		if err != nil {
			return false, err
		}
		more, err := bt.ascend(child, start, fn, depth+1)
		if err != nil || !more {
			return false, err
		}
	}
	return true, nil
}

// Height is the number of levels from the root to the leaves; a lone root leaf has height 1.
func (bt *BTree) Height() (int, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	id := pagemanager.RootPageID
	for height := 1; height <= maxDepth; height++ {
		n, err := bt.node(id)
		if err != nil {
			return 0, err
		}
		if n.IsLeaf() {
			return height, nil
		}
		entries, err := n.entries()
		if err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			return 0, fmt.Errorf("%w: branch page %d is empty", flushmanager.ErrInvalidPageData, id)
		}
		if id, err = decodeChild(entries[0].value); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: tree deeper than %d levels", flushmanager.ErrInvalidPageData, maxDepth)
}

// StartMetricsAndTrace begins the telemetry recording for a tree operation.
// It returns a new context, the trace span, and the start time.
func (bt *BTree) StartMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	opAttr := metric.WithAttributes(attribute.String("btree.op", op))

	bt.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, opAttr)
	bt.metrics.OpsStartedCounter.Add(ctx, 1, opAttr)

	ctx, span := bt.tracer.Start(ctx, "btree."+op, trace.WithAttributes(
		attribute.String("btree.op", op),
		attribute.String("pagestore.session_id", bt.sessionID),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for a tree operation.
func (bt *BTree) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime).Microseconds()

	statusCode := otelcodes.Ok
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	bt.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(attribute.String("btree.op", op)))

	metricAttributes := attribute.NewSet(
		attribute.String("btree.op", op),
		attribute.String("btree.status", statusCode.String()),
	)
	bt.metrics.OpLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	bt.metrics.OpsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}

package store

import (
	"container/list"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SegmentQueue is the segment container: an ordered list of
// fixed-size mapped segments backing one logical append-only log.
type SegmentQueue struct {
	storePath        string
	segmentSize      int32
	useTransientPool bool

	mu       sync.RWMutex
	segments *list.List // of *Segment

	flushedWhere   int64
	committedWhere int64
	storeTimestamp int64
}

// flushedWhere/committedWhere are read by producer threads (group
// commit targets) while the flush/commit services advance them, so
// every access goes through atomics.

func NewSegmentQueue(storePath string, segmentSize int32, useTransientPool bool) *SegmentQueue {
	if err := os.MkdirAll(storePath, 0755); err != nil {
		log.Errorf("initDir %s error: %s", storePath, err.Error())
	} else {
		log.Infof("initDir %s", storePath)
	}

	return &SegmentQueue{
		storePath:        storePath,
		segmentSize:      segmentSize,
		useTransientPool: useTransientPool,
		segments:         list.New(),
	}
}

// Load enumerates existing segment files in offset order and maps
// each one. Called once at startup before recovery.
func (q *SegmentQueue) Load() error {
	entries, err := os.ReadDir(q.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		baseOffset, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			log.Errorf("skip unparsable segment file name %s: %s", name, err.Error())
			continue
		}

		seg, err := OpenSegment(q.storePath, baseOffset, q.segmentSize, q.useTransientPool)
		if err != nil {
			return err
		}
		// a file that already existed on disk is presumed fully
		// written until recovery proves otherwise.
		seg.SetWrotePosition(q.segmentSize)
		seg.SetCommittedPosition(q.segmentSize)
		seg.SetFlushedPosition(q.segmentSize)
		q.segments.PushBack(seg)
	}

	return nil
}

func (q *SegmentQueue) FlushedWhere() int64 { return atomic.LoadInt64(&q.flushedWhere) }

// CommittedWhere is the highest offset present in the mapped region.
// Without a transient pool, appends write straight into the mapped
// region, so it equals the write position.
func (q *SegmentQueue) CommittedWhere() int64 {
	if !q.useTransientPool {
		return q.MaxOffset()
	}
	return atomic.LoadInt64(&q.committedWhere)
}

func (q *SegmentQueue) StoreTimestamp() int64 { return atomic.LoadInt64(&q.storeTimestamp) }

func (q *SegmentQueue) SetFlushedWhere(v int64)   { atomic.StoreInt64(&q.flushedWhere, v) }
func (q *SegmentQueue) SetCommittedWhere(v int64) { atomic.StoreInt64(&q.committedWhere, v) }

func (q *SegmentQueue) SegmentSize() int32 { return q.segmentSize }

// FindByOffset locates the segment covering offset; a miss returns
// the first segment when returnFirstOnMiss is set.
func (q *SegmentQueue) FindByOffset(offset int64, returnFirstOnMiss bool) *Segment {
	first := q.FirstSegment()
	last := q.LastSegment()
	if first == nil || last == nil {
		return nil
	}

	size := int64(q.segmentSize)
	if offset < first.BaseOffset() || offset >= last.BaseOffset()+size {
		if returnFirstOnMiss {
			return first
		}
		return nil
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	for e := q.segments.Front(); e != nil; e = e.Next() {
		seg := e.Value.(*Segment)
		if offset >= seg.BaseOffset() && offset < seg.BaseOffset()+size {
			return seg
		}
	}

	if returnFirstOnMiss {
		return first
	}
	return nil
}

func (q *SegmentQueue) FirstSegment() *Segment {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.segments.Len() == 0 {
		return nil
	}
	return q.segments.Front().Value.(*Segment)
}

func (q *SegmentQueue) LastSegment() *Segment {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.segments.Len() == 0 {
		return nil
	}
	return q.segments.Back().Value.(*Segment)
}

// LastSegmentFrom returns the active (last) segment, creating one
// rooted at startOffset (rounded down to a segment boundary) if the
// queue is empty, or rolling to a new one if the last is full.
func (q *SegmentQueue) LastSegmentFrom(startOffset int64) *Segment {
	createOffset := int64(-1)
	last := q.LastSegment()

	if last == nil {
		createOffset = startOffset - (startOffset % int64(q.segmentSize))
	} else if last.IsFull() {
		createOffset = last.BaseOffset() + int64(q.segmentSize)
	}

	if createOffset == -1 {
		return last
	}

	seg, err := OpenSegment(q.storePath, createOffset, q.segmentSize, q.useTransientPool)
	if err != nil {
		log.Errorf("create segment at offset %d failed: %s", createOffset, err.Error())
		return nil
	}

	q.mu.Lock()
	q.segments.PushBack(seg)
	q.mu.Unlock()
	return seg
}

// EachSegment calls fn for every segment in offset order; fn returning
// false stops the iteration early.
func (q *SegmentQueue) EachSegment(fn func(*Segment) bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for e := q.segments.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*Segment)) {
			return
		}
	}
}

func (q *SegmentQueue) SegmentCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.segments.Len()
}

// SegmentAt returns the nth segment in offset order, or nil.
func (q *SegmentQueue) SegmentAt(index int) *Segment {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if index < 0 || index >= q.segments.Len() {
		return nil
	}
	i := 0
	for e := q.segments.Front(); e != nil; e = e.Next() {
		if i == index {
			return e.Value.(*Segment)
		}
		i++
	}
	return nil
}

// Flush persists the segment covering flushedWhere. Returns true when
// there was nothing to do.
func (q *SegmentQueue) Flush(leastPages int32) bool {
	flushed := q.FlushedWhere()
	seg := q.FindByOffset(flushed, flushed == 0)
	if seg == nil {
		return true
	}

	tmpTimestamp := seg.StoreTimestamp()
	noop := seg.Flush(leastPages)
	where := seg.BaseOffset() + int64(seg.FlushedPosition())
	if where != flushed {
		atomic.StoreInt64(&q.flushedWhere, where)
		atomic.StoreInt64(&q.storeTimestamp, tmpTimestamp)
	}
	return noop
}

// Commit copies transient-buffer bytes into the mapped region of the
// segment covering committedWhere. Returns true when there was
// nothing to do.
func (q *SegmentQueue) Commit(leastPages int32) bool {
	committed := q.CommittedWhere()
	seg := q.FindByOffset(committed, committed == 0)
	if seg == nil {
		return true
	}

	noop := seg.Commit(leastPages)
	where := seg.BaseOffset() + int64(seg.CommittedPosition())
	if where != committed {
		atomic.StoreInt64(&q.committedWhere, where)
	}
	return noop
}

// TruncateTo discards every segment wholly after offset, and rewinds
// the write/commit/flush positions of the segment containing offset.
func (q *SegmentQueue) TruncateTo(offset int64) {
	var toDestroy []*Segment

	q.mu.Lock()
	for e := q.segments.Front(); e != nil; {
		next := e.Next()
		seg := e.Value.(*Segment)
		segTail := seg.BaseOffset() + int64(q.segmentSize)
		if segTail <= offset {
			e = next
			continue
		}
		if seg.BaseOffset() >= offset {
			toDestroy = append(toDestroy, seg)
			q.segments.Remove(e)
			e = next
			continue
		}

		pos := int32(offset - seg.BaseOffset())
		seg.SetWrotePosition(pos)
		seg.SetCommittedPosition(pos)
		seg.SetFlushedPosition(pos)
		e = next
	}
	q.mu.Unlock()

	for _, seg := range toDestroy {
		if err := seg.Destroy(); err != nil {
			log.Errorf("destroy truncated segment failed: %s", err.Error())
		}
	}

	q.SetFlushedWhere(offset)
	q.SetCommittedWhere(offset)
}

// MaxOffset is the highest writable offset: the active segment's base
// plus its current write position.
func (q *SegmentQueue) MaxOffset() int64 {
	last := q.LastSegment()
	if last == nil {
		return 0
	}
	return last.BaseOffset() + int64(last.WrotePosition())
}

// MinOffset is the first available segment's base offset.
func (q *SegmentQueue) MinOffset() int64 {
	first := q.FirstSegment()
	if first == nil {
		return 0
	}
	return first.BaseOffset()
}

// RollNextFile returns the base offset of the segment following the
// one containing offset.
func (q *SegmentQueue) RollNextFile(offset int64) int64 {
	size := int64(q.segmentSize)
	return offset + size - offset%size
}

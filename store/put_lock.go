package store

import (
	"strconv"
	"sync"
	"sync/atomic"

	"relaylog/util"
)

// PutMessageLock is the writer serializer: at most one producer
// thread executes the critical section of PutMessage at a time.
type PutMessageLock interface {
	Lock()
	UnLock()
	// LockHoldMillis reports how long the current holder (if any) has
	// held the lock, for health monitoring.
	LockHoldMillis() int64
}

type putMessageTiming struct {
	beginTimeInLock int64
}

func (t *putMessageTiming) begin() {
	atomic.StoreInt64(&t.beginTimeInLock, util.GetUnixTimeMs())
}

func (t *putMessageTiming) end() {
	atomic.StoreInt64(&t.beginTimeInLock, 0)
}

func (t *putMessageTiming) LockHoldMillis() int64 {
	begin := atomic.LoadInt64(&t.beginTimeInLock)
	if begin <= 0 {
		return 0
	}
	elapsed := util.GetUnixTimeMs() - begin
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// PutMessageReentrantLock is the non-fair blocking-mutex variant.
type PutMessageReentrantLock struct {
	putMessageTiming
	lock sync.Mutex
}

func (r *PutMessageReentrantLock) Lock() {
	r.lock.Lock()
	r.begin()
}

func (r *PutMessageReentrantLock) UnLock() {
	r.end()
	r.lock.Unlock()
}

// PutMessageSpinLock is the CAS busy-wait variant.
type PutMessageSpinLock struct {
	putMessageTiming
	value int32
}

func (r *PutMessageSpinLock) Lock() {
	for !atomic.CompareAndSwapInt32(&r.value, 0, 1) {
	}
	r.begin()
}

func (r *PutMessageSpinLock) UnLock() {
	r.end()
	atomic.StoreInt32(&r.value, 0)
}

// QueueOffsetTable is the per-queue-tail table: the next
// queue_offset to assign for "{topic}-{queue_id}".
type QueueOffsetTable struct {
	mu    sync.Mutex
	tails map[string]int64
}

func NewQueueOffsetTable() *QueueOffsetTable {
	return &QueueOffsetTable{tails: map[string]int64{}}
}

func queueKey(topic string, queueId int32) string {
	return topic + "-" + strconv.Itoa(int(queueId))
}

// Next returns the current tail for (topic, queueId) without advancing it.
func (t *QueueOffsetTable) Next(topic string, queueId int32) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tails[queueKey(topic, queueId)]
}

// Advance increments the tail for (topic, queueId) by 1, called only
// after a successful non-prepared/non-rollback append.
func (t *QueueOffsetTable) Advance(topic string, queueId int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tails[queueKey(topic, queueId)]++
}

// SetTail overwrites the tail for (topic, queueId); recovery replay
// uses it to re-seed the table from the rebuilt consume queues.
func (t *QueueOffsetTable) SetTail(topic string, queueId int32, next int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tails[queueKey(topic, queueId)] = next
}

package store

import (
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lutil "github.com/syndtr/goleveldb/leveldb/util"

	"relaylog/common/nutil"
	"relaylog/util"
)

const consumeQueuePrefix = "cq"

// cqEntrySize is the width of one consume-queue slot: where the message
// sits in the commit log, how long it is, and its tags hash for filtering.
const cqEntrySize = 8 + 4 + 8

// ConsumeQueue is the per-(topic, queueId) index the dispatch pipeline
// rebuilds from commit-log replay. Entries live in the store's shared
// leveldb, keyed "cq/{topic}/{queueId}/{20-digit logic offset}" so a
// range scan walks them in consume order. Writes stage into a batch
// that the flush service persists with a synced write.
type ConsumeQueue struct {
	db      *leveldb.DB
	topic   string
	queueId int32

	mu    sync.Mutex
	batch *leveldb.Batch

	maxPhysicOffset int64
	maxLogicOffset  int64
}

func NewConsumeQueue(db *leveldb.DB, topic string, queueId int32) *ConsumeQueue {
	return &ConsumeQueue{
		db:      db,
		topic:   topic,
		queueId: queueId,
		batch:   new(leveldb.Batch),
	}
}

func (cq *ConsumeQueue) keyPrefix() string {
	return consumeQueuePrefix + "/" + cq.topic + "/" + strconv.Itoa(int(cq.queueId)) + "/"
}

func (cq *ConsumeQueue) entryKey(logicOffset int64) []byte {
	return []byte(cq.keyPrefix() + nutil.Offset2FileName(logicOffset))
}

func encodeCqEntry(commitLogOffset int64, size int32, tagsCode int64) []byte {
	buf := make([]byte, 0, cqEntrySize)
	buf = append(buf, util.Int64ToBytes(commitLogOffset)...)
	buf = append(buf, util.Int32ToBytes(int(size))...)
	buf = append(buf, util.Int64ToBytes(tagsCode)...)
	return buf
}

func decodeCqEntry(value []byte) (commitLogOffset int64, size int32, tagsCode int64, ok bool) {
	if len(value) < cqEntrySize {
		return 0, 0, 0, false
	}
	return util.BytesToInt64(value[0:8]), int32(util.BytesToInt32(value[8:12])), util.BytesToInt64(value[12:20]), true
}

// putMessagePositionInfoWrapper stages one dispatch request. Replay
// after a crash re-dispatches records the queue already indexed, so
// anything at or below maxPhysicOffset is dropped here.
func (cq *ConsumeQueue) putMessagePositionInfoWrapper(request *DispatchRequest) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if request.commitLogOffset <= cq.maxPhysicOffset && cq.maxPhysicOffset != 0 {
		return
	}

	cq.batch.Put(cq.entryKey(request.consumeQueueOffset),
		encodeCqEntry(request.commitLogOffset, request.msgSize, request.tagsCode))

	cq.maxPhysicOffset = request.commitLogOffset
	if request.consumeQueueOffset+1 > cq.maxLogicOffset {
		cq.maxLogicOffset = request.consumeQueueOffset + 1
	}
}

// Flush writes the staged batch with a synced write. Returns true
// when there was nothing to do.
func (cq *ConsumeQueue) Flush() bool {
	cq.mu.Lock()
	batch := cq.batch
	if batch.Len() == 0 {
		cq.mu.Unlock()
		return true
	}
	cq.batch = new(leveldb.Batch)
	cq.mu.Unlock()

	if err := cq.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		log.Errorf("flush consume queue %s-%d failed: %s", cq.topic, cq.queueId, err.Error())
		// put the entries back so the next flush retries them
		cq.mu.Lock()
		cq.batch.Replay(replayInto{batch})
		cq.batch = batch
		cq.mu.Unlock()
		return true
	}
	return false
}

// replayInto merges a failed batch back in front of newly staged entries.
type replayInto struct{ dst *leveldb.Batch }

func (r replayInto) Put(key, value []byte) { r.dst.Put(key, value) }
func (r replayInto) Delete(key []byte)     { r.dst.Delete(key) }

// get looks up the entry at logicOffset, draining any staged batch
// first so readers observe their own queue's recent dispatches.
func (cq *ConsumeQueue) get(logicOffset int64) (commitLogOffset int64, size int32, tagsCode int64, ok bool) {
	cq.mu.Lock()
	if cq.batch.Len() > 0 {
		if err := cq.db.Write(cq.batch, nil); err != nil {
			log.Errorf("drain consume queue %s-%d failed: %s", cq.topic, cq.queueId, err.Error())
			cq.mu.Unlock()
			return 0, 0, 0, false
		}
		cq.batch = new(leveldb.Batch)
	}
	cq.mu.Unlock()

	value, err := cq.db.Get(cq.entryKey(logicOffset), nil)
	if err != nil {
		return 0, 0, 0, false
	}
	return decodeCqEntry(value)
}

func (cq *ConsumeQueue) MaxLogicOffset() int64 {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.maxLogicOffset
}

// recover rescans this queue's key range to re-derive its max
// offsets after startup.
func (cq *ConsumeQueue) recover() {
	iter := cq.db.NewIterator(lutil.BytesPrefix([]byte(cq.keyPrefix())), nil)
	defer iter.Release()

	for iter.Next() {
		key := string(iter.Key())
		logicOffset, err := strconv.ParseInt(strings.TrimPrefix(key, cq.keyPrefix()), 10, 64)
		if err != nil {
			continue
		}
		phyOffset, _, _, ok := decodeCqEntry(iter.Value())
		if !ok {
			continue
		}
		cq.mu.Lock()
		if logicOffset+1 > cq.maxLogicOffset {
			cq.maxLogicOffset = logicOffset + 1
		}
		if phyOffset > cq.maxPhysicOffset {
			cq.maxPhysicOffset = phyOffset
		}
		cq.mu.Unlock()
	}
}

// truncateDirty deletes every entry pointing at or past phyOffset,
// the commit-log truncation point recovery decided on.
func (cq *ConsumeQueue) truncateDirty(phyOffset int64) {
	cq.mu.Lock()
	cq.batch = new(leveldb.Batch)
	cq.maxPhysicOffset = 0
	cq.maxLogicOffset = 0
	cq.mu.Unlock()

	iter := cq.db.NewIterator(lutil.BytesPrefix([]byte(cq.keyPrefix())), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		entryPhyOffset, _, _, ok := decodeCqEntry(iter.Value())
		if !ok || entryPhyOffset >= phyOffset {
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}

		key := string(iter.Key())
		logicOffset, err := strconv.ParseInt(strings.TrimPrefix(key, cq.keyPrefix()), 10, 64)
		if err != nil {
			continue
		}
		cq.mu.Lock()
		if logicOffset+1 > cq.maxLogicOffset {
			cq.maxLogicOffset = logicOffset + 1
		}
		if entryPhyOffset > cq.maxPhysicOffset {
			cq.maxPhysicOffset = entryPhyOffset
		}
		cq.mu.Unlock()
	}

	if err := cq.db.Write(batch, nil); err != nil {
		log.Errorf("truncate consume queue %s-%d failed: %s", cq.topic, cq.queueId, err.Error())
	}
}

// destroy removes the queue's entire key range.
func (cq *ConsumeQueue) destroy() {
	cq.mu.Lock()
	cq.batch = new(leveldb.Batch)
	cq.maxPhysicOffset = 0
	cq.maxLogicOffset = 0
	cq.mu.Unlock()

	iter := cq.db.NewIterator(lutil.BytesPrefix([]byte(cq.keyPrefix())), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}

	if err := cq.db.Write(batch, nil); err != nil {
		log.Errorf("destroy consume queue %s-%d failed: %s", cq.topic, cq.queueId, err.Error())
	}
}

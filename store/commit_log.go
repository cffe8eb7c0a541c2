package store

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"relaylog/util"
)

// msgStoreTimestampPosition is the fixed byte position of the
// store_timestamp field inside a record, so it can be read without a
// full decode.
const msgStoreTimestampPosition = 4 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8 + 8

// CommitLog is the append-only system of record: every produced
// message is serialized here before any consume queue or index is
// built, and on crash those are rebuilt by replaying this log.
type CommitLog struct {
	cfg        *Config
	store      MessageStore
	checkpoint *StoreCheckpoint

	segmentQueue    *SegmentQueue
	putMessageLock  PutMessageLock
	topicQueueTable *QueueOffsetTable
	appendCallback  *AppendMessageCallback

	flushService  FlushCommitLogService
	commitService *CommitRealTimeService
	groupCommit   *GroupCommitService

	haService HaService

	confirmOffset int64
}

func NewCommitLog(store MessageStore, cfg *Config, checkpoint *StoreCheckpoint) *CommitLog {
	c := &CommitLog{
		cfg:        cfg,
		store:      store,
		checkpoint: checkpoint,
	}

	c.segmentQueue = NewSegmentQueue(cfg.StorePathCommitLog, int32(cfg.MappedFileSizeCommitLog), cfg.TransientStorePoolEnable)
	c.topicQueueTable = NewQueueOffsetTable()
	c.appendCallback = NewAppendMessageCallback(cfg.MaxMessageSize, c.topicQueueTable)

	if cfg.UseReentrantLockWhenPutMessage {
		c.putMessageLock = &PutMessageReentrantLock{}
	} else {
		c.putMessageLock = &PutMessageSpinLock{}
	}

	if cfg.FlushDiskType == SyncFlush {
		c.groupCommit = NewGroupCommitService(c.segmentQueue, checkpoint)
		c.flushService = c.groupCommit
	} else {
		c.flushService = NewFlushRealTimeService(c.segmentQueue, checkpoint, cfg)
	}

	if cfg.TransientStorePoolEnable {
		c.commitService = NewCommitRealTimeService(c.segmentQueue, c.flushService, cfg)
	}

	if cfg.BrokerRole == RoleSyncMaster {
		c.haService = NewLagWindowHaService(cfg.HaSlaveFallBehindMax)
	} else {
		c.haService = NoHaService{}
	}

	return c
}

// Load maps every existing segment file. Failure here is fatal to
// broker startup.
func (c *CommitLog) Load() bool {
	if err := c.segmentQueue.Load(); err != nil {
		log.Errorf("load commitLog failed: %s", err.Error())
		return false
	}
	log.Infof("load commitLog OK, %d segments", c.segmentQueue.SegmentCount())
	return true
}

func (c *CommitLog) Start() {
	c.flushService.Start()
	if c.commitService != nil {
		c.commitService.Start()
	}
}

// Shutdown stops the background services in reverse startup order.
func (c *CommitLog) Shutdown() {
	if c.commitService != nil {
		c.commitService.Shutdown()
	}
	c.flushService.Shutdown()
	log.Info("shutdown commitLog")
}

func (c *CommitLog) HaService() HaService        { return c.haService }
func (c *CommitLog) SegmentQueue() *SegmentQueue { return c.segmentQueue }
func (c *CommitLog) LockHoldMillis() int64       { return c.putMessageLock.LockHoldMillis() }

func (c *CommitLog) ConfirmOffset() int64     { return atomic.LoadInt64(&c.confirmOffset) }
func (c *CommitLog) SetConfirmOffset(v int64) { atomic.StoreInt64(&c.confirmOffset, v) }

func (c *CommitLog) countPut(status PutMessageStatus) {
	metricPutMessageTotal.WithLabelValues(status.String()).Inc()
}

// PutMessage appends msg to the log and then waits out whatever
// durability and replication guarantees the configuration and the
// message ask for.
func (c *CommitLog) PutMessage(msg *MessageExtBrokerInner) *PutMessageResult {
	msg.StoreTimestamp = util.GetUnixTimeMs()

	if msg.DelayTimeLevel > 0 && !IsTransactionPreparedOrRollback(msg.SysFlag) {
		ApplyDelayRemap(msg)
	}

	var result *AppendMessageResult

	c.putMessageLock.Lock()
	// re-stamp under the lock so timestamps agree with log order
	msg.StoreTimestamp = util.GetUnixTimeMs()

	seg := c.segmentQueue.LastSegmentFrom(0)
	if seg == nil {
		c.putMessageLock.UnLock()
		log.Error("create mapped file error, topic: " + msg.Topic)
		c.countPut(CreateMappedFileFailed)
		return &PutMessageResult{Status: CreateMappedFileFailed}
	}

	result = seg.AppendMessage(msg, c.appendCallback)
	switch result.Status {
	case AppendOk:
	case EndOfFile:
		// the just-filled segment got its blank trailer; roll to a
		// fresh one and retry exactly once
		seg = c.segmentQueue.LastSegmentFrom(0)
		if seg == nil {
			c.putMessageLock.UnLock()
			log.Error("create mapped file error, topic: " + msg.Topic)
			c.countPut(CreateMappedFileFailed)
			return &PutMessageResult{Status: CreateMappedFileFailed}
		}
		result = seg.AppendMessage(msg, c.appendCallback)
		if result.Status != AppendOk {
			c.putMessageLock.UnLock()
			c.countPut(CreateMappedFileFailed)
			return &PutMessageResult{Status: CreateMappedFileFailed, AppendMessageResult: result}
		}
	case MessageSizeExceeded, PropertiesSizeExceeded:
		c.putMessageLock.UnLock()
		c.countPut(MessageIllegal)
		return &PutMessageResult{Status: MessageIllegal, AppendMessageResult: result}
	default:
		c.putMessageLock.UnLock()
		c.countPut(PutUnknownError)
		return &PutMessageResult{Status: PutUnknownError, AppendMessageResult: result}
	}

	elapsed := c.putMessageLock.LockHoldMillis()
	c.putMessageLock.UnLock()

	if elapsed > 500 {
		log.Warnf("putMessage in lock cost time(ms)=%d, bodyLength=%d", elapsed, len(msg.Body))
	}
	metricLockHold.Observe(float64(elapsed))
	result.ElapsedMillis = elapsed
	observePositions(c.segmentQueue)

	putResult := &PutMessageResult{Status: PutOk, AppendMessageResult: result}
	c.handleDiskFlush(result, putResult, msg)
	c.handleHA(result, putResult, msg)

	c.countPut(putResult.Status)
	return putResult
}

func (c *CommitLog) handleDiskFlush(result *AppendMessageResult, putResult *PutMessageResult, msg *MessageExtBrokerInner) {
	if c.cfg.FlushDiskType == SyncFlush {
		if msg.WaitStoreMsgOK {
			req := NewGroupCommitRequest(result.WroteOffset + int64(result.WroteBytes))
			c.groupCommit.PutRequest(req)
			if !req.Await(time.Duration(c.cfg.SyncFlushTimeout) * time.Millisecond) {
				log.Errorf("do groupcommit, wait for flush failed, topic: %s, client address: %s",
					msg.Topic, msg.BornHost)
				putResult.Status = FlushDiskTimeout
			}
		} else {
			c.groupCommit.Wakeup()
		}
		return
	}

	if c.cfg.TransientStorePoolEnable {
		c.commitService.Wakeup()
	} else {
		c.flushService.Wakeup()
	}
}

func (c *CommitLog) handleHA(result *AppendMessageResult, putResult *PutMessageResult, msg *MessageExtBrokerInner) {
	if c.cfg.BrokerRole != RoleSyncMaster || !msg.WaitStoreMsgOK {
		return
	}

	target := result.WroteOffset + int64(result.WroteBytes)
	if !c.haService.IsSlaveOK(target) {
		// the replica is too far behind; report it without waiting.
		// This status replaces whatever the disk-flush step set.
		putResult.Status = SlaveNotAvailable
		return
	}

	req := NewGroupCommitRequest(target)
	c.haService.PutRequest(req)
	c.haService.NotifyWaiters()
	if !req.Await(time.Duration(c.cfg.SyncFlushTimeout) * time.Millisecond) {
		log.Errorf("do sync transfer other node, wait return, but failed, topic: %s, client address: %s",
			msg.Topic, msg.BornHost)
		putResult.Status = FlushSlaveTimeout
	}
}

// CheckMessageAndReturnSize decodes one record out of data and shapes
// it as a DispatchRequest for the replay/dispatch pipeline: size > 0
// is a valid record, size == 0 end of segment, size == -1 malformed.
func (c *CommitLog) CheckMessageAndReturnSize(data []byte, checkCRC bool, readBody bool) *DispatchRequest {
	result := Decode(data, checkCRC, readBody)
	switch result.Kind {
	case DecodeEndOfSegment:
		return NewDispatchRequestSentinel(0, true)
	case DecodeInvalid:
		return NewDispatchRequestSentinel(-1, false)
	}

	f := result.Fields
	var tagsCode int64
	var keys, uniqKey string
	if f.Properties != nil {
		keys = f.Properties[PropertyKeys]
		uniqKey = f.Properties[PropertyUniqClientMsgId]
		if tags := f.Properties[PropertyTags]; tags != "" {
			tagsCode = int64(util.HashString(tags))
		}
	}

	return &DispatchRequest{
		topic:                     f.Topic,
		queueId:                   f.QueueId,
		commitLogOffset:           f.PhysicalOffset,
		msgSize:                   f.TotalSize,
		tagsCode:                  tagsCode,
		storeTimestamp:            f.StoreTimestamp,
		consumeQueueOffset:        f.QueueOffset,
		keys:                      keys,
		success:                   true,
		uniqKey:                   uniqKey,
		sysFlag:                   f.SysFlag,
		preparedTransactionOffset: f.PrepTxnOffset,
		propertiesMap:             f.Properties,
	}
}

// RecoverNormally replays the tail of the log after a clean shutdown
// to re-derive the write/commit/flush pointers.
func (c *CommitLog) RecoverNormally() {
	checkCRC := c.cfg.CheckCRCOnRecover

	count := c.segmentQueue.SegmentCount()
	if count == 0 {
		c.segmentQueue.SetFlushedWhere(0)
		c.segmentQueue.SetCommittedWhere(0)
		return
	}

	index := count - 3
	if index < 0 {
		index = 0
	}
	seg := c.segmentQueue.SegmentAt(index)
	mappedFileOffset := int64(0)

	for {
		data := seg.SelectBytes(int32(mappedFileOffset))
		if data == nil {
			break
		}

		req := c.CheckMessageAndReturnSize(data, checkCRC, true)
		size := req.msgSize
		switch {
		case req.success && size > 0:
			mappedFileOffset += int64(size)
		case req.success && size == 0:
			index++
			next := c.segmentQueue.SegmentAt(index)
			if next == nil {
				log.Infof("recover last segment over, last mapped file %s", seg.fileName)
				goto done
			}
			seg = next
			mappedFileOffset = 0
			log.Infof("recover next physics file, %s", seg.fileName)
		default:
			log.Infof("recover physics file end, %s", seg.fileName)
			goto done
		}
	}

done:
	processOffset := seg.BaseOffset() + mappedFileOffset
	c.segmentQueue.SetFlushedWhere(processOffset)
	c.segmentQueue.SetCommittedWhere(processOffset)
	c.segmentQueue.TruncateTo(processOffset)
}

// RecoverAbnormally replays from the newest segment whose first
// record predates the checkpoint, re-dispatching every valid record
// so consume queues are rebuilt, then truncates the dirty tail.
func (c *CommitLog) RecoverAbnormally() {
	checkCRC := c.cfg.CheckCRCOnRecover

	count := c.segmentQueue.SegmentCount()
	if count == 0 {
		log.Info("the commitlog files are deleted, and delete the consume queue files")
		c.segmentQueue.SetFlushedWhere(0)
		c.segmentQueue.SetCommittedWhere(0)
		c.store.DestroyLogics()
		return
	}

	index := count - 1
	var seg *Segment
	for ; index >= 0; index-- {
		seg = c.segmentQueue.SegmentAt(index)
		if c.isSegmentMatchedRecover(seg) {
			log.Infof("recover from this mapped file %s", seg.fileName)
			break
		}
	}
	if index < 0 {
		index = 0
		seg = c.segmentQueue.SegmentAt(0)
	}

	mappedFileOffset := int64(0)
	for {
		data := seg.SelectBytes(int32(mappedFileOffset))
		if data == nil {
			break
		}

		req := c.CheckMessageAndReturnSize(data, checkCRC, true)
		size := req.msgSize
		switch {
		case req.success && size > 0:
			if c.cfg.DuplicationEnable {
				if req.commitLogOffset < c.ConfirmOffset() {
					c.store.DoDispatch(req)
				}
			} else {
				c.store.DoDispatch(req)
			}
			mappedFileOffset += int64(size)
		case req.success && size == 0:
			index++
			next := c.segmentQueue.SegmentAt(index)
			if next == nil {
				log.Infof("recover physics file over, last mapped file %s", seg.fileName)
				goto done
			}
			seg = next
			mappedFileOffset = 0
			log.Infof("recover next physics file, %s", seg.fileName)
		default:
			log.Infof("recover physics file end, %s", seg.fileName)
			goto done
		}
	}

done:
	processOffset := seg.BaseOffset() + mappedFileOffset
	c.segmentQueue.SetFlushedWhere(processOffset)
	c.segmentQueue.SetCommittedWhere(processOffset)
	c.segmentQueue.TruncateTo(processOffset)

	c.store.TruncateDirtyLogicFiles(processOffset)
}

// isSegmentMatchedRecover reports whether seg is a safe place for
// abnormal recovery to start: its first record must be a real message
// whose store timestamp does not exceed the minimum checkpoint.
func (c *CommitLog) isSegmentMatchedRecover(seg *Segment) bool {
	data := seg.SelectBytes(0)
	if len(data) < msgStoreTimestampPosition+8 {
		return false
	}

	magic := int32(data[4])<<24 | int32(data[5])<<16 | int32(data[6])<<8 | int32(data[7])
	if magic != MessageMagicCode {
		return false
	}

	storeTimestamp := util.BytesToInt64(data[msgStoreTimestampPosition : msgStoreTimestampPosition+8])
	if storeTimestamp <= 0 {
		return false
	}

	var min int64
	if c.cfg.MessageIndexEnable && c.cfg.MessageIndexSafe {
		min = c.checkpoint.MinTimestampIndexSafe()
	} else {
		min = c.checkpoint.MinTimestamp()
	}

	if storeTimestamp <= min {
		log.Infof("find check timestamp, %d", storeTimestamp)
		return true
	}
	return false
}

// GetData returns the mapped bytes starting at offset, up to the
// segment's write position.
func (c *CommitLog) GetData(offset int64, returnFirstOnMiss bool) *SelectMappedBufferResult {
	seg := c.segmentQueue.FindByOffset(offset, returnFirstOnMiss)
	if seg == nil {
		return nil
	}

	pos := int32(offset % int64(c.segmentQueue.SegmentSize()))
	data := seg.SelectBytes(pos)
	if data == nil {
		return nil
	}

	return &SelectMappedBufferResult{
		StartOffset: seg.BaseOffset() + int64(pos),
		Segment:     seg,
		Bytes:       data,
		Size:        int32(len(data)),
	}
}

// GetMessage returns exactly size mapped bytes starting at offset.
func (c *CommitLog) GetMessage(offset int64, size int32) *SelectMappedBufferResult {
	seg := c.segmentQueue.FindByOffset(offset, offset == 0)
	if seg == nil {
		return nil
	}

	pos := int32(offset % int64(c.segmentQueue.SegmentSize()))
	data := seg.SelectBytesLen(pos, size)
	if data == nil {
		return nil
	}

	return &SelectMappedBufferResult{
		StartOffset: offset,
		Segment:     seg,
		Bytes:       data,
		Size:        size,
	}
}

// PickupStoreTimestamp reads the record's store_timestamp field at its
// fixed position without a full decode. Returns -1 when unavailable.
func (c *CommitLog) PickupStoreTimestamp(offset int64, size int32) int64 {
	if offset < c.MinOffset() {
		return -1
	}

	result := c.GetMessage(offset, size)
	if result == nil || len(result.Bytes) < msgStoreTimestampPosition+8 {
		return -1
	}
	return util.BytesToInt64(result.Bytes[msgStoreTimestampPosition : msgStoreTimestampPosition+8])
}

func (c *CommitLog) MinOffset() int64 {
	return c.segmentQueue.MinOffset()
}

func (c *CommitLog) MaxOffset() int64 {
	return c.segmentQueue.MaxOffset()
}

func (c *CommitLog) FlushedWhere() int64 {
	return c.segmentQueue.FlushedWhere()
}

// RollNextFile returns the base offset of the segment after the one
// containing offset.
func (c *CommitLog) RollNextFile(offset int64) int64 {
	return c.segmentQueue.RollNextFile(offset)
}

// TopicQueueTable exposes the per-queue tail table for recovery replay.
func (c *CommitLog) TopicQueueTable() *QueueOffsetTable {
	return c.topicQueueTable
}

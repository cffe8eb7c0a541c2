package store

import (
	"container/list"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	lutil "github.com/syndtr/goleveldb/leveldb/util"

	"relaylog/common"
	"relaylog/common/message"
	"relaylog/util"
)

const abortFileName = "abort"

type MessageStore interface {
	Load() bool
	Start()
	Shutdown()
	PutMessage(*MessageExtBrokerInner) *PutMessageResult
	GetMessage(group string, topic string, queueId int32, offset int64, maxMsgNums int32) *GetMessageResult
	DoDispatch(request *DispatchRequest)
	TruncateDirtyLogicFiles(phyOffset int64)
	DestroyLogics()
}

// DefaultMessageStore wires the commit log to its derived state: the
// leveldb-backed consume queues, the replay service that feeds them,
// and the checkpoint the recovery path consults.
type DefaultMessageStore struct {
	cfg        *Config
	checkpoint *StoreCheckpoint
	db         *leveldb.DB

	commitLog *CommitLog

	cqMu              sync.RWMutex
	consumeQueueTable map[string]map[int32]*ConsumeQueue

	rePutMessageService      *RePutMessageService
	flushConsumeQueueService *FlushConsumeQueueService

	dispatcherList *list.List

	shutdown bool
}

func NewDefaultMessageStore(cfg *Config) *DefaultMessageStore {
	r := &DefaultMessageStore{
		cfg:               cfg,
		consumeQueueTable: map[string]map[int32]*ConsumeQueue{},
		dispatcherList:    list.New(),
	}

	checkpointPath := filepath.Join(cfg.StorePathRootDir, "checkpoint")
	checkpoint, err := LoadStoreCheckpoint(checkpointPath)
	if err != nil {
		log.Errorf("load checkpoint failed, starting from an empty one: %s", err.Error())
		checkpoint = NewStoreCheckpoint(checkpointPath)
	}
	r.checkpoint = checkpoint

	r.commitLog = NewCommitLog(r, cfg, checkpoint)
	r.rePutMessageService = NewRePutMessageService(r)
	r.flushConsumeQueueService = NewFlushConsumeQueueService(r)

	r.dispatcherList.PushBack(&CommitLogDispatcherBuildConsumeQueue{store: r})

	return r
}

func (r *DefaultMessageStore) CommitLog() *CommitLog        { return r.commitLog }
func (r *DefaultMessageStore) Checkpoint() *StoreCheckpoint { return r.checkpoint }

func (r *DefaultMessageStore) abortFilePath() string {
	return filepath.Join(r.cfg.StorePathRootDir, abortFileName)
}

// Load maps the commit log, opens the consume-queue db, and replays
// whatever the previous shutdown left behind. Returning false aborts
// broker startup.
func (r *DefaultMessageStore) Load() bool {
	if err := os.MkdirAll(r.cfg.StorePathRootDir, 0755); err != nil {
		log.Errorf("create store root dir failed: %s", err.Error())
		return false
	}

	// a leftover abort file means the previous process never reached
	// its clean-shutdown path
	lastExitOK, err := util.PathExists(r.abortFilePath())
	if err != nil {
		log.Errorf("stat abort file failed: %s", err.Error())
		return false
	}
	lastExitOK = !lastExitOK
	log.Infof("last shutdown %s", map[bool]string{true: "normally", false: "abnormally"}[lastExitOK])

	if !r.commitLog.Load() {
		return false
	}

	db, err := leveldb.OpenFile(filepath.Join(r.cfg.StorePathRootDir, "queuedb"), nil)
	if err != nil {
		log.Errorf("open consume queue db failed: %s", err.Error())
		return false
	}
	r.db = db

	r.loadConsumeQueues()
	r.recover(lastExitOK)
	r.recoverTopicQueueTable()

	return true
}

// loadConsumeQueues scans the db's cq/ key space and materializes one
// ConsumeQueue per (topic, queueId) it finds.
func (r *DefaultMessageStore) loadConsumeQueues() {
	iter := r.db.NewIterator(lutil.BytesPrefix([]byte(consumeQueuePrefix+"/")), nil)
	defer iter.Release()

	seen := map[string]bool{}
	for iter.Next() {
		parts := strings.Split(string(iter.Key()), "/")
		if len(parts) != 4 {
			continue
		}
		topic := parts[1]
		queueId, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		key := topic + "-" + parts[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		r.findConsumeQueue(topic, int32(queueId)).recover()
	}

	log.Infof("load %d consume queues", len(seen))
}

func (r *DefaultMessageStore) recover(lastExitOK bool) {
	if lastExitOK {
		r.commitLog.RecoverNormally()
	} else {
		r.commitLog.RecoverAbnormally()
	}
}

// recoverTopicQueueTable re-seeds the commit log's per-queue tails
// from the rebuilt consume queues.
func (r *DefaultMessageStore) recoverTopicQueueTable() {
	table := r.commitLog.TopicQueueTable()

	r.cqMu.RLock()
	defer r.cqMu.RUnlock()
	for topic, queues := range r.consumeQueueTable {
		for queueId, cq := range queues {
			table.SetTail(topic, queueId, cq.MaxLogicOffset())
		}
	}
}

func (r *DefaultMessageStore) Start() {
	if err := util.StrToFile(strconv.Itoa(util.GetPid()), r.abortFilePath()); err != nil {
		log.Errorf("create abort file failed: %s", err.Error())
	}

	r.rePutMessageService.rePutFromOffset = r.commitLog.MaxOffset()

	r.commitLog.Start()
	r.rePutMessageService.Start()
	r.flushConsumeQueueService.Start()
}

func (r *DefaultMessageStore) Shutdown() {
	r.shutdown = true

	r.flushConsumeQueueService.Shutdown()
	r.rePutMessageService.Shutdown()
	r.commitLog.Shutdown()

	if err := r.checkpoint.Flush(); err != nil {
		log.Errorf("flush checkpoint on shutdown failed: %s", err.Error())
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			log.Errorf("close consume queue db failed: %s", err.Error())
		}
	}

	if err := os.Remove(r.abortFilePath()); err != nil && !os.IsNotExist(err) {
		log.Errorf("remove abort file failed: %s", err.Error())
	}
}

func (r *DefaultMessageStore) PutMessage(msg *MessageExtBrokerInner) *PutMessageResult {
	if r.shutdown {
		log.Warn("message store has shutdown, so putMessage is forbidden")
		return &PutMessageResult{Status: PutUnknownError}
	}

	if r.cfg.BrokerRole == RoleSlave {
		log.Warn("message store is in slave mode, so putMessage is forbidden")
		return &PutMessageResult{Status: PutUnknownError}
	}

	if len(msg.Topic) > maxTopicLength {
		log.Warnf("putMessage topic length too long %d", len(msg.Topic))
		return &PutMessageResult{Status: MessageIllegal}
	}

	if len(EncodeProperties(msg.Properties)) > maxPropertiesLength {
		log.Warnf("putMessage properties length too long")
		return &PutMessageResult{Status: MessageIllegal}
	}

	begin := time.Now()
	result := r.commitLog.PutMessage(msg)
	IncMsgCost(time.Since(begin).Nanoseconds())
	return result
}

// GetMessage serves a pull: walk the consume queue from offset and
// hand back up to maxMsgNums decoded messages.
func (r *DefaultMessageStore) GetMessage(group string, topic string, queueId int32, offset int64, maxMsgNums int32) *GetMessageResult {
	cq := r.findConsumeQueueIfExists(topic, queueId)
	if cq == nil {
		return &GetMessageResult{Status: NoMatchedLogicQueue, NextBeginOffset: 0}
	}

	maxLogic := cq.MaxLogicOffset()
	if maxLogic == 0 {
		return &GetMessageResult{Status: NoMessageInQueue, NextBeginOffset: 0, MaxOffset: 0}
	}
	if offset >= maxLogic {
		status := OffsetOverflowOne
		if offset > maxLogic {
			status = OffsetOverflowBadly
		}
		return &GetMessageResult{Status: status, NextBeginOffset: maxLogic, MaxOffset: maxLogic}
	}

	msgs := make([]*message.MessageExt, 0, maxMsgNums)
	getResult := &GetMessageResult{MinOffset: 0, MaxOffset: maxLogic}

	nextOffset := offset
	for ; nextOffset < offset+int64(maxMsgNums) && nextOffset < maxLogic; nextOffset++ {
		phyOffset, size, _, ok := cq.get(nextOffset)
		if !ok {
			break
		}

		sel := r.commitLog.GetMessage(phyOffset, size)
		if sel == nil {
			break
		}
		getResult.AddMessage(sel)

		decoded := Decode(sel.Bytes, false, true)
		if decoded.Kind != DecodeRecord {
			log.Errorf("consume queue %s-%d points at undecodable record, phyOffset: %d", topic, queueId, phyOffset)
			break
		}

		f := decoded.Fields
		msgs = append(msgs, &message.MessageExt{
			Message: message.Message{
				Topic:      f.Topic,
				Body:       f.Body,
				Flag:       f.Flag,
				Properties: f.Properties,
			},
			QueueId:                   f.QueueId,
			StoreSize:                 f.TotalSize,
			QueueOffset:               f.QueueOffset,
			SysFlag:                   f.SysFlag,
			BornTimestamp:             f.BornTimestamp,
			StoreTimestamp:            f.StoreTimestamp,
			BornHost:                  f.BornHost,
			StoreHost:                 f.StoreHost,
			CommitLogOffset:           f.PhysicalOffset,
			ReconsumeTimes:            f.ReconsumeTimes,
			PreparedTransactionOffset: f.PrepTxnOffset,
			BodyCrc:                   f.BodyCrc,
		})
	}

	if len(msgs) == 0 {
		getResult.Status = OffsetFoundNull
		getResult.NextBeginOffset = nextOffset
		return getResult
	}

	getResult.Status = Found
	getResult.Messages = msgs
	getResult.NextBeginOffset = nextOffset
	return getResult
}

func (r *DefaultMessageStore) DoDispatch(request *DispatchRequest) {
	for item := r.dispatcherList.Front(); item != nil; item = item.Next() {
		dispatcher := item.Value.(CommitLogDispatcher)
		dispatcher.Dispatch(request)
	}
}

func (r *DefaultMessageStore) putMessagePositionInfo(request *DispatchRequest) {
	cq := r.findConsumeQueue(request.topic, request.queueId)
	cq.putMessagePositionInfoWrapper(request)
}

func (r *DefaultMessageStore) findConsumeQueueIfExists(topic string, queueId int32) *ConsumeQueue {
	r.cqMu.RLock()
	defer r.cqMu.RUnlock()
	queueMap := r.consumeQueueTable[topic]
	if queueMap == nil {
		return nil
	}
	return queueMap[queueId]
}

func (r *DefaultMessageStore) findConsumeQueue(topic string, queueId int32) *ConsumeQueue {
	r.cqMu.Lock()
	defer r.cqMu.Unlock()

	queueMap := r.consumeQueueTable[topic]
	if queueMap == nil {
		queueMap = map[int32]*ConsumeQueue{}
		r.consumeQueueTable[topic] = queueMap
	}

	cq := queueMap[queueId]
	if cq == nil {
		cq = NewConsumeQueue(r.db, topic, queueId)
		queueMap[queueId] = cq
	}
	return cq
}

// eachConsumeQueue snapshots the table so callers iterate without
// holding the lock.
func (r *DefaultMessageStore) eachConsumeQueue() []*ConsumeQueue {
	r.cqMu.RLock()
	defer r.cqMu.RUnlock()

	var all []*ConsumeQueue
	for _, queues := range r.consumeQueueTable {
		for _, cq := range queues {
			all = append(all, cq)
		}
	}
	return all
}

// TruncateDirtyLogicFiles trims every consume queue back to the
// commit-log truncation point abnormal recovery decided on.
func (r *DefaultMessageStore) TruncateDirtyLogicFiles(phyOffset int64) {
	for _, cq := range r.eachConsumeQueue() {
		cq.truncateDirty(phyOffset)
	}
}

// DestroyLogics drops all derived consume-queue state; used when the
// commit log itself is gone.
func (r *DefaultMessageStore) DestroyLogics() {
	for _, cq := range r.eachConsumeQueue() {
		cq.destroy()
	}

	r.cqMu.Lock()
	r.consumeQueueTable = map[string]map[int32]*ConsumeQueue{}
	r.cqMu.Unlock()
}

// RePutMessageService tails the commit log and feeds every new record
// through the dispatch pipeline, keeping consume queues current
// during normal operation.
type RePutMessageService struct {
	common.DaemonTask
	rePutFromOffset int64
	store           *DefaultMessageStore
}

func NewRePutMessageService(store *DefaultMessageStore) *RePutMessageService {
	s := &RePutMessageService{store: store}
	s.DaemonTask = common.DaemonTask{Name: "RePutMessageService", Run: s.run}
	return s
}

func (s *RePutMessageService) run() {
	log.Info("start rePut service")
	for !s.IsStopped() {
		time.Sleep(100 * time.Millisecond)
		s.doRePut()
	}
	log.Info("shutdown rePut service")
}

func (s *RePutMessageService) isCommitLogAvailable() bool {
	return s.rePutFromOffset < s.store.commitLog.MaxOffset()
}

func (s *RePutMessageService) doRePut() {
	commitLog := s.store.commitLog

	if s.rePutFromOffset < commitLog.MinOffset() {
		s.rePutFromOffset = commitLog.MinOffset()
	}

	for doNext := true; s.isCommitLogAvailable() && doNext; {
		result := commitLog.GetData(s.rePutFromOffset, s.rePutFromOffset == 0)
		if result == nil {
			break
		}

		s.rePutFromOffset = result.StartOffset

		for readSize := int32(0); readSize < result.Size && doNext; {
			request := commitLog.CheckMessageAndReturnSize(result.Bytes[readSize:], false, false)
			if !request.success {
				doNext = false
				continue
			}

			if request.msgSize == 0 {
				// blank trailer: the rest of this segment carries nothing
				s.rePutFromOffset = commitLog.RollNextFile(s.rePutFromOffset)
				readSize = result.Size
				continue
			}

			s.store.DoDispatch(request)
			s.rePutFromOffset += int64(request.msgSize)
			readSize += request.msgSize
		}
	}
}

func (s *RePutMessageService) Shutdown() {
	s.Stop()
}

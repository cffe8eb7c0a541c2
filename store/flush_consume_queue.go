package store

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"relaylog/common"
)

const cqFlushRetryTimes = 3

// FlushConsumeQueueService persists the staged consume-queue batches.
// Queues are independent of each other, so each one's flush is fanned
// out across a worker pool; order within a queue is preserved because
// a queue flushes in exactly one task at a time.
type FlushConsumeQueueService struct {
	common.DaemonTask
	store  *DefaultMessageStore
	pool   *ants.Pool
	doneCh chan struct{}
}

func NewFlushConsumeQueueService(store *DefaultMessageStore) *FlushConsumeQueueService {
	pool, err := ants.NewPool(8, ants.WithPreAlloc(true))
	if err != nil {
		log.Errorf("create flush pool failed: %s", err.Error())
	}

	s := &FlushConsumeQueueService{store: store, pool: pool, doneCh: make(chan struct{})}
	s.DaemonTask = common.DaemonTask{Name: "FlushConsumeQueueService", Run: s.run}
	return s
}

func (s *FlushConsumeQueueService) run() {
	log.Info("start FlushConsumeQueue service")
	for !s.IsStopped() {
		time.Sleep(1 * time.Second)
		s.doFlush(1)
	}

	// final pass so a clean shutdown persists every staged entry
	s.doFlush(cqFlushRetryTimes)
	close(s.doneCh)
	log.Info("shutdown FlushConsumeQueue service")
}

func (s *FlushConsumeQueueService) doFlush(retryTimes int) {
	queues := s.store.eachConsumeQueue()
	if len(queues) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, cq := range queues {
		cq := cq
		wg.Add(1)
		task := func() {
			defer wg.Done()
			result := false
			for i := 0; i < retryTimes && !result; i++ {
				result = cq.Flush()
			}
		}
		if s.pool == nil || s.pool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()

	s.store.checkpoint.SetLogicsMsgTimestamp(s.store.commitLog.SegmentQueue().StoreTimestamp())
	if err := s.store.checkpoint.Flush(); err != nil {
		log.Errorf("flush checkpoint failed: %s", err.Error())
	}
}

func (s *FlushConsumeQueueService) Shutdown() {
	s.Stop()
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("flush consume queue service drain timed out")
	}
	if s.pool != nil {
		s.pool.Release()
	}
}

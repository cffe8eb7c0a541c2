package store

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"relaylog/common"
)

// GroupCommitRequest is a producer's request to be woken once the
// segment container's flushed_where has passed targetOffset.
type GroupCommitRequest struct {
	targetOffset int64
	done         chan bool
	once         sync.Once
}

func NewGroupCommitRequest(targetOffset int64) *GroupCommitRequest {
	return &GroupCommitRequest{targetOffset: targetOffset, done: make(chan bool, 1)}
}

func (r *GroupCommitRequest) complete(ok bool) {
	r.once.Do(func() {
		r.done <- ok
	})
}

// Await blocks until the request is completed or timeout elapses,
// returning false on timeout.
func (r *GroupCommitRequest) Await(timeout time.Duration) bool {
	select {
	case ok := <-r.done:
		return ok
	case <-time.After(timeout):
		return false
	}
}

// GroupCommitService is the synchronous-flush rendezvous: a classic
// double-buffer so producers never block each other or the service
// beyond a brief list append.
type GroupCommitService struct {
	common.DaemonTask

	queue      *SegmentQueue
	checkpoint *StoreCheckpoint

	mu        sync.Mutex
	writeList []*GroupCommitRequest

	wakeCh    chan struct{}
	drainedCh chan struct{}
}

func NewGroupCommitService(queue *SegmentQueue, checkpoint *StoreCheckpoint) *GroupCommitService {
	s := &GroupCommitService{
		queue:      queue,
		checkpoint: checkpoint,
		wakeCh:     make(chan struct{}, 1),
		drainedCh:  make(chan struct{}),
	}
	s.DaemonTask = common.DaemonTask{Name: "GroupCommitService", Run: s.run}
	return s
}

// PutRequest enqueues req and wakes the service if it is sleeping.
func (s *GroupCommitService) PutRequest(req *GroupCommitRequest) {
	s.mu.Lock()
	s.writeList = append(s.writeList, req)
	s.mu.Unlock()
	s.Wakeup()
}

func (s *GroupCommitService) Wakeup() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *GroupCommitService) swapLists() []*GroupCommitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	readList := s.writeList
	s.writeList = nil
	return readList
}

func (s *GroupCommitService) doCommit(readList []*GroupCommitRequest) {
	if len(readList) > 0 {
		for _, req := range readList {
			// A record can straddle at most two segments, so two
			// flush attempts always reach the target.
			ok := false
			for i := 0; i < 2 && !ok; i++ {
				if s.queue.FlushedWhere() >= req.targetOffset {
					ok = true
					break
				}
				s.queue.Flush(0)
			}
			if !ok {
				ok = s.queue.FlushedWhere() >= req.targetOffset
			}
			req.complete(ok)
		}

		if s.checkpoint != nil {
			s.checkpoint.SetPhysicMsgTimestamp(s.queue.StoreTimestamp())
		}
	} else {
		// a forced wake with nothing pending still services
		// individual non-waiting messages relying on the periodic flush.
		s.queue.Flush(0)
	}
}

func (s *GroupCommitService) run() {
	log.Info("start group commit service")
	for !s.IsStopped() {
		select {
		case <-s.wakeCh:
		case <-time.After(10 * time.Millisecond):
		}
		s.doCommit(s.swapLists())
	}

	// requests may race in right up to the stop flag flipping; give
	// them a beat, then swap and drain one final time so no caller is
	// left blocked on Await.
	time.Sleep(10 * time.Millisecond)
	s.doCommit(s.swapLists())
	close(s.drainedCh)
	log.Info("shutdown group commit service")
}

func (s *GroupCommitService) Shutdown() {
	s.Stop()
	s.Wakeup()
	select {
	case <-s.drainedCh:
	case <-time.After(5 * time.Second):
		log.Warn("group commit service drain timed out")
	}
}

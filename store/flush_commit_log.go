package store

import (
	"time"

	log "github.com/sirupsen/logrus"

	"relaylog/common"
	"relaylog/util"
)

// FlushCommitLogService is the durability side of the commit log:
// either the periodic async flusher or the group-commit rendezvous,
// selected by the configured flush-disk mode.
type FlushCommitLogService interface {
	Start()
	Shutdown()
	Wakeup()
}

// FlushRealTimeService is the async flusher: every flushInterval it
// persists at least leastPages worth of dirty pages, and once
// thoroughInterval has passed since the last forced flush it forces an
// unconditional one.
type FlushRealTimeService struct {
	common.DaemonTask

	queue      *SegmentQueue
	checkpoint *StoreCheckpoint
	cfg        *Config

	lastFlushTimestamp int64
	printTimes         int64

	wakeCh chan struct{}
}

func NewFlushRealTimeService(queue *SegmentQueue, checkpoint *StoreCheckpoint, cfg *Config) *FlushRealTimeService {
	s := &FlushRealTimeService{
		queue:      queue,
		checkpoint: checkpoint,
		cfg:        cfg,
		wakeCh:     make(chan struct{}, 1),
	}
	s.DaemonTask = common.DaemonTask{Name: "FlushRealTimeService", Run: s.run}
	return s
}

func (s *FlushRealTimeService) Wakeup() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *FlushRealTimeService) run() {
	log.Info("start commitLog flush service")

	for !s.IsStopped() {
		interval := time.Duration(s.cfg.FlushIntervalCommitLog) * time.Millisecond
		if s.cfg.FlushCommitLogTimed {
			time.Sleep(interval)
		} else {
			select {
			case <-s.wakeCh:
			case <-time.After(interval):
			}
		}

		leastPages := s.cfg.FlushCommitLogLeastPages
		now := util.GetUnixTimeMs()
		if now >= s.lastFlushTimestamp+s.cfg.FlushCommitLogThoroughInterval {
			s.lastFlushTimestamp = now
			leastPages = 0
		}

		s.queue.Flush(leastPages)
		if s.checkpoint != nil {
			s.checkpoint.SetPhysicMsgTimestamp(s.queue.StoreTimestamp())
		}

		s.printTimes++
		if s.printTimes%500 == 0 {
			log.Infof("commitLog flushedWhere: %d", s.queue.FlushedWhere())
		}
	}

	// keep trying on the way out so a clean shutdown leaves nothing dirty
	result := false
	for i := 0; i < 10 && !result; i++ {
		result = s.queue.Flush(0)
	}
	log.Infof("flush service end, nothing left to flush: %t", result)
}

func (s *FlushRealTimeService) Shutdown() {
	s.Stop()
	s.Wakeup()
}

// CommitRealTimeService runs only when the transient pool is enabled:
// it copies write-buffer pages into the mapped region on its own
// interval and pokes the flush service whenever it moved data.
type CommitRealTimeService struct {
	common.DaemonTask

	queue        *SegmentQueue
	flushService FlushCommitLogService
	cfg          *Config

	lastCommitTimestamp int64

	wakeCh chan struct{}
}

func NewCommitRealTimeService(queue *SegmentQueue, flushService FlushCommitLogService, cfg *Config) *CommitRealTimeService {
	s := &CommitRealTimeService{
		queue:        queue,
		flushService: flushService,
		cfg:          cfg,
		wakeCh:       make(chan struct{}, 1),
	}
	s.DaemonTask = common.DaemonTask{Name: "CommitRealTimeService", Run: s.run}
	return s
}

func (s *CommitRealTimeService) Wakeup() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *CommitRealTimeService) run() {
	log.Info("start commitLog commit service")

	for !s.IsStopped() {
		interval := time.Duration(s.cfg.CommitIntervalCommitLog) * time.Millisecond
		select {
		case <-s.wakeCh:
		case <-time.After(interval):
		}

		leastPages := s.cfg.CommitCommitLogLeastPages
		now := util.GetUnixTimeMs()
		if now >= s.lastCommitTimestamp+s.cfg.CommitCommitLogThoroughInterval {
			s.lastCommitTimestamp = now
			leastPages = 0
		}

		// Commit reporting false means pages actually moved, so the
		// flusher has new work.
		if !s.queue.Commit(leastPages) {
			s.lastCommitTimestamp = now
			s.flushService.Wakeup()
		}
	}

	result := false
	for i := 0; i < 10 && !result; i++ {
		result = s.queue.Commit(0)
	}
	log.Infof("commit service end, nothing left to commit: %t", result)
}

func (s *CommitRealTimeService) Shutdown() {
	s.Stop()
	s.Wakeup()
}

package store

import (
	"sync"
	"sync/atomic"
)

// HaService is the replication rendezvous contract the commit log
// consumes: it only asks whether a replica is within its lag window
// and lets a GroupCommitRequest enqueue onto whatever transport
// services that wait. Replication transport itself is out of scope.
type HaService interface {
	IsSlaveOK(targetOffset int64) bool
	PutRequest(req *GroupCommitRequest)
	NotifyWaiters()
}

// NoHaService is the rendezvous used by an async-master or slave
// broker, where PutMessage never needs to wait on replication.
type NoHaService struct{}

func (NoHaService) IsSlaveOK(int64) bool           { return true }
func (NoHaService) PutRequest(*GroupCommitRequest) {}
func (NoHaService) NotifyWaiters()                 {}

// LagWindowHaService models a sync-master's replica: the replication
// transport reports the slave's acknowledged offset, IsSlaveOK
// compares the gap against the configured fall-behind window, and
// pending requests complete once the ack passes their target.
type LagWindowHaService struct {
	fallBehindMax  int64
	slaveAckOffset int64

	mu      sync.Mutex
	pending []*GroupCommitRequest
}

func NewLagWindowHaService(fallBehindMax int64) *LagWindowHaService {
	return &LagWindowHaService{fallBehindMax: fallBehindMax}
}

func (h *LagWindowHaService) ReportSlaveAck(offset int64) {
	atomic.StoreInt64(&h.slaveAckOffset, offset)
	h.NotifyWaiters()
}

func (h *LagWindowHaService) SlaveAckOffset() int64 {
	return atomic.LoadInt64(&h.slaveAckOffset)
}

func (h *LagWindowHaService) IsSlaveOK(targetOffset int64) bool {
	return targetOffset-h.SlaveAckOffset() <= h.fallBehindMax
}

func (h *LagWindowHaService) PutRequest(req *GroupCommitRequest) {
	h.mu.Lock()
	h.pending = append(h.pending, req)
	h.mu.Unlock()
	h.NotifyWaiters()
}

// NotifyWaiters completes every pending request the current ack
// offset covers; the rest stay queued for the next ack report.
func (h *LagWindowHaService) NotifyWaiters() {
	ack := h.SlaveAckOffset()

	h.mu.Lock()
	defer h.mu.Unlock()
	remain := h.pending[:0]
	for _, req := range h.pending {
		if req.targetOffset <= ack {
			req.complete(true)
		} else {
			remain = append(remain, req)
		}
	}
	h.pending = remain
}

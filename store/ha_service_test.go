package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLagWindowSlaveOK(t *testing.T) {
	ha := NewLagWindowHaService(1024)

	assert.True(t, ha.IsSlaveOK(512))
	assert.False(t, ha.IsSlaveOK(2048))

	ha.ReportSlaveAck(4096)
	assert.True(t, ha.IsSlaveOK(4096+1024))
	assert.False(t, ha.IsSlaveOK(4096+1025))
}

func TestLagWindowCompletesOnAck(t *testing.T) {
	ha := NewLagWindowHaService(1 << 20)

	req := NewGroupCommitRequest(1000)
	ha.PutRequest(req)

	// not acked yet
	assert.False(t, req.Await(20*time.Millisecond))

	ha.ReportSlaveAck(1000)
	assert.True(t, req.Await(time.Second))
}

func TestNoHaServiceNeverBlocksAnything(t *testing.T) {
	var ha HaService = NoHaService{}
	assert.True(t, ha.IsSlaveOK(1<<40))
	ha.PutRequest(NewGroupCommitRequest(1))
	ha.NotifyWaiters()
}

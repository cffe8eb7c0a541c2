package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaylog/common/nutil"
	"relaylog/util"
)

func newTestCommitLog(t *testing.T, cfg *Config, store MessageStore) *CommitLog {
	t.Helper()
	checkpoint := NewStoreCheckpoint(cfg.StorePathRootDir + "/checkpoint")
	c := NewCommitLog(store, cfg, checkpoint)
	require.True(t, c.Load())
	return c
}

func TestPutMessageRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	result := c.PutMessage(testInner("T", 3, []byte("hello")))
	require.Equal(t, PutOk, result.Status)

	append1 := result.AppendMessageResult
	assert.Equal(t, int64(0), append1.WroteOffset)
	assert.Equal(t, EncodeLength(5, 1, 0), append1.WroteBytes)

	sel := c.GetData(0, true)
	require.NotNil(t, sel)

	decoded := Decode(sel.Bytes, true, true)
	require.Equal(t, DecodeRecord, decoded.Kind)
	assert.Equal(t, "T", decoded.Fields.Topic)
	assert.Equal(t, int32(3), decoded.Fields.QueueId)
	assert.Equal(t, []byte("hello"), decoded.Fields.Body)
	assert.Equal(t, int64(0), decoded.Fields.PhysicalOffset)
}

func TestPutMessageOrderingInvariants(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	var wroteOffsets []int64
	for i := 0; i < 20; i++ {
		result := c.PutMessage(testInner("T", 0, []byte("payload")))
		require.Equal(t, PutOk, result.Status)
		wroteOffsets = append(wroteOffsets, result.AppendMessageResult.WroteOffset)
	}

	// offsets are serial and each record carries its own position
	var offset int64
	var lastTimestamp int64
	for i := 0; i < 20; i++ {
		assert.Equal(t, wroteOffsets[i], offset)
		sel := c.GetData(offset, offset == 0)
		require.NotNil(t, sel)
		decoded := Decode(sel.Bytes, true, true)
		require.Equal(t, DecodeRecord, decoded.Kind)
		assert.Equal(t, offset, decoded.Fields.PhysicalOffset)
		assert.Equal(t, int64(i), decoded.Fields.QueueOffset)
		assert.GreaterOrEqual(t, decoded.Fields.StoreTimestamp, lastTimestamp)
		lastTimestamp = decoded.Fields.StoreTimestamp
		offset += int64(decoded.Size)
	}

	assert.Equal(t, offset, c.MaxOffset())
}

func TestPutMessageQueueOffsetPolicy(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	for i := 0; i < 5; i++ {
		require.Equal(t, PutOk, c.PutMessage(testInner("T", 0, []byte("m"))).Status)
	}
	for i := 0; i < 2; i++ {
		msg := testInner("T", 0, []byte("m"))
		msg.SysFlag = TransactionPreparedType
		require.Equal(t, PutOk, c.PutMessage(msg).Status)
	}

	var queueOffsets []int64
	offset := int64(0)
	for offset < c.MaxOffset() {
		sel := c.GetData(offset, offset == 0)
		decoded := Decode(sel.Bytes, false, false)
		require.Equal(t, DecodeRecord, decoded.Kind)
		queueOffsets = append(queueOffsets, decoded.Fields.QueueOffset)
		offset += int64(decoded.Size)
	}

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 0, 0}, queueOffsets)
	assert.Equal(t, int64(5), c.TopicQueueTable().Next("T", 0))
}

func TestPutMessageDelayRemapOnDisk(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	msg := testInner("orders", 1, []byte("pay"))
	msg.DelayTimeLevel = 3
	require.Equal(t, PutOk, c.PutMessage(msg).Status)

	decoded := Decode(c.GetData(0, true).Bytes, true, true)
	require.Equal(t, DecodeRecord, decoded.Kind)
	assert.Equal(t, ScheduleTopic, decoded.Fields.Topic)
	assert.Equal(t, int32(2), decoded.Fields.QueueId)
	assert.Equal(t, "orders", decoded.Fields.Properties[PropertyRealTopic])
	assert.Equal(t, "1", decoded.Fields.Properties[PropertyRealQueueId])
}

func TestPutMessageRollsToNewSegment(t *testing.T) {
	cfg := testConfig(t)
	cfg.MappedFileSizeCommitLog = 1024
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	recordLen := int64(EncodeLength(100, 1, 0))
	var lastOffset int64
	for appended := int64(0); appended+recordLen+8 <= 1024*2; appended += recordLen {
		result := c.PutMessage(testInner("T", 0, make([]byte, 100)))
		require.Equal(t, PutOk, result.Status)
		lastOffset = result.AppendMessageResult.WroteOffset
		// a record never crosses a segment boundary
		assert.LessOrEqual(t, lastOffset%1024+recordLen, int64(1024))
	}

	require.Equal(t, 2, c.segmentQueue.SegmentCount())
	assert.Greater(t, lastOffset, int64(1024))

	// the first segment ends with the blank trailer
	trailerPos := (1024 / recordLen) * recordLen
	first := c.segmentQueue.SegmentAt(0)
	trailer := Decode(first.SelectBytes(int32(trailerPos)), false, false)
	assert.Equal(t, DecodeEndOfSegment, trailer.Kind)

	remaining := 1024 - trailerPos
	assert.Equal(t, remaining, int64(util.BytesToInt32(first.SelectBytes(int32(trailerPos))[0:4])))
}

func TestPutMessageTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxMessageSize = 256
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	result := c.PutMessage(testInner("T", 0, make([]byte, 512)))
	assert.Equal(t, MessageIllegal, result.Status)
}

func TestSyncFlushPutMessage(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushDiskType = SyncFlush
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	result := c.PutMessage(testInner("T", 0, []byte("durable")))
	require.Equal(t, PutOk, result.Status)

	end := result.AppendMessageResult.WroteOffset + int64(result.AppendMessageResult.WroteBytes)
	assert.GreaterOrEqual(t, c.FlushedWhere(), end)
}

func TestSyncFlushTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushDiskType = SyncFlush
	cfg.SyncFlushTimeout = 200
	// the group commit service is never started, so nothing flushes
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})

	begin := time.Now()
	result := c.PutMessage(testInner("T", 0, []byte("stranded")))
	elapsed := time.Since(begin)

	assert.Equal(t, FlushDiskTimeout, result.Status)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)

	// the record is written regardless of the timeout
	decoded := Decode(c.GetData(0, true).Bytes, true, true)
	require.Equal(t, DecodeRecord, decoded.Kind)
	assert.Equal(t, []byte("stranded"), decoded.Fields.Body)
}

func TestSyncMasterSlaveNotAvailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrokerRole = RoleSyncMaster
	cfg.HaSlaveFallBehindMax = 0
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	// ack pinned at 0 with no lag allowance: every append is beyond
	// the window
	result := c.PutMessage(testInner("T", 0, []byte("x")))
	assert.Equal(t, SlaveNotAvailable, result.Status)
}

func TestSyncMasterWaitsForSlaveAck(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrokerRole = RoleSyncMaster
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	ha := c.HaService().(*LagWindowHaService)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ha.ReportSlaveAck(1 << 20)
	}()

	result := c.PutMessage(testInner("T", 0, []byte("replicated")))
	assert.Equal(t, PutOk, result.Status)
}

func TestRecoverNormally(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})

	var bodies [][]byte
	for i := 0; i < 10; i++ {
		body := []byte{byte('a' + i)}
		bodies = append(bodies, body)
		require.Equal(t, PutOk, c.PutMessage(testInner("T", 0, body)).Status)
	}
	end := c.MaxOffset()
	c.segmentQueue.Flush(0)

	reopened := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	reopened.RecoverNormally()

	assert.Equal(t, end, reopened.FlushedWhere())
	assert.Equal(t, end, reopened.segmentQueue.CommittedWhere())
	assert.Equal(t, end, reopened.MaxOffset())

	// replay from zero reproduces the appended sequence
	offset := int64(0)
	for i := 0; offset < reopened.MaxOffset(); i++ {
		decoded := Decode(reopened.GetData(offset, offset == 0).Bytes, true, true)
		require.Equal(t, DecodeRecord, decoded.Kind)
		assert.Equal(t, bodies[i], decoded.Fields.Body)
		offset += int64(decoded.Size)
	}
}

func TestRecoverNormallyEmptyLog(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.RecoverNormally()
	assert.Equal(t, int64(0), c.FlushedWhere())
}

func TestRecoverAbnormally(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})

	var last *AppendMessageResult
	for i := 0; i < 100; i++ {
		result := c.PutMessage(testInner("T", 0, []byte("0123456789")))
		require.Equal(t, PutOk, result.Status)
		last = result.AppendMessageResult
	}
	c.segmentQueue.Flush(0)

	// wipe the last record's final 10 bytes, as a crash mid-write
	// would leave them
	segFile := cfg.StorePathCommitLog + string(os.PathSeparator) + nutil.Offset2FileName(0)
	f, err := os.OpenFile(segFile, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 10), last.WroteOffset+int64(last.WroteBytes)-10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// checkpoint ahead of every record so the single segment matches
	checkpoint := NewStoreCheckpoint(cfg.StorePathRootDir + "/checkpoint2")
	checkpoint.SetPhysicMsgTimestamp(util.GetUnixTimeMs() + 3600*1000)
	checkpoint.SetLogicsMsgTimestamp(util.GetUnixTimeMs() + 3600*1000)

	fake := &fakeDispatchStore{}
	reopened := NewCommitLog(fake, cfg, checkpoint)
	require.True(t, reopened.Load())
	reopened.RecoverAbnormally()

	// 99 records fully decoded and dispatched; the torn one is cut off
	assert.Equal(t, last.WroteOffset, reopened.FlushedWhere())
	assert.Len(t, fake.dispatched, 99)
	assert.Equal(t, last.WroteOffset, fake.truncatedAt)

	// the next append resumes exactly at the truncation point
	reopened.Start()
	defer reopened.Shutdown()
	result := reopened.PutMessage(testInner("T", 0, []byte("resumed")))
	require.Equal(t, PutOk, result.Status)
	assert.Equal(t, last.WroteOffset, result.AppendMessageResult.WroteOffset)
}

func TestRecoverAbnormallyNoSegments(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeDispatchStore{}
	c := newTestCommitLog(t, cfg, fake)

	c.RecoverAbnormally()

	assert.Equal(t, int64(0), c.FlushedWhere())
	assert.True(t, fake.destroyed)
}

func TestRecoverAbnormallyDuplicationGate(t *testing.T) {
	cfg := testConfig(t)
	cfg.DuplicationEnable = true
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})

	var ends []int64
	for i := 0; i < 5; i++ {
		result := c.PutMessage(testInner("T", 0, []byte("dup")))
		require.Equal(t, PutOk, result.Status)
		ends = append(ends, result.AppendMessageResult.WroteOffset+int64(result.AppendMessageResult.WroteBytes))
	}
	c.segmentQueue.Flush(0)

	checkpoint := NewStoreCheckpoint(cfg.StorePathRootDir + "/checkpoint2")
	checkpoint.SetPhysicMsgTimestamp(util.GetUnixTimeMs() + 3600*1000)
	checkpoint.SetLogicsMsgTimestamp(util.GetUnixTimeMs() + 3600*1000)

	fake := &fakeDispatchStore{}
	reopened := NewCommitLog(fake, cfg, checkpoint)
	require.True(t, reopened.Load())
	// only records below the confirm offset were replicated, so only
	// those re-dispatch
	reopened.SetConfirmOffset(ends[2])
	reopened.RecoverAbnormally()

	assert.Len(t, fake.dispatched, 3)
}

func TestPickupStoreTimestamp(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})
	c.Start()
	defer c.Shutdown()

	result := c.PutMessage(testInner("T", 0, []byte("ts")))
	require.Equal(t, PutOk, result.Status)

	appendResult := result.AppendMessageResult
	ts := c.PickupStoreTimestamp(appendResult.WroteOffset, appendResult.WroteBytes)
	assert.Equal(t, appendResult.StoreTimestamp, ts)

	assert.Equal(t, int64(-1), c.PickupStoreTimestamp(-1, 64))
}

func TestRollNextFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.MappedFileSizeCommitLog = 1024
	c := newTestCommitLog(t, cfg, &fakeDispatchStore{})

	assert.Equal(t, int64(1024), c.RollNextFile(100))
	assert.Equal(t, int64(2048), c.RollNextFile(1024))
}

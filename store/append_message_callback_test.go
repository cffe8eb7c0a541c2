package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaylog/util"
)

func TestDoAppendWritesOneRecord(t *testing.T) {
	table := NewQueueOffsetTable()
	callback := NewAppendMessageCallback(1024*1024, table)

	region := make([]byte, 4096)
	msg := testInner("T", 3, []byte("hello"))

	result := callback.DoAppend(0, 0, region, msg)
	require.Equal(t, AppendOk, result.Status)
	assert.Equal(t, int64(0), result.WroteOffset)
	assert.Equal(t, EncodeLength(5, 1, 0), result.WroteBytes)
	assert.Equal(t, int64(0), result.QueueOffset)
	// msg_id = 8-byte store host + 8-byte wrote offset, hex encoded
	assert.Len(t, result.MsgId, 32)

	decoded := Decode(region, true, true)
	require.Equal(t, DecodeRecord, decoded.Kind)
	assert.Equal(t, "T", decoded.Fields.Topic)
	assert.Equal(t, []byte("hello"), decoded.Fields.Body)
	assert.Equal(t, int32(3), decoded.Fields.QueueId)
	assert.Equal(t, util.Crc32([]byte("hello")), decoded.Fields.BodyCrc)
}

func TestDoAppendPhysicalOffsetField(t *testing.T) {
	table := NewQueueOffsetTable()
	callback := NewAppendMessageCallback(1024*1024, table)

	region := make([]byte, 4096)
	msg := testInner("T", 0, []byte("body"))

	result := callback.DoAppend(8192, 100, region, msg)
	require.Equal(t, AppendOk, result.Status)
	assert.Equal(t, int64(8292), result.WroteOffset)

	decoded := Decode(region, false, true)
	require.Equal(t, DecodeRecord, decoded.Kind)
	assert.Equal(t, int64(8292), decoded.Fields.PhysicalOffset)
}

func TestDoAppendEndOfFileTrailer(t *testing.T) {
	table := NewQueueOffsetTable()
	callback := NewAppendMessageCallback(1024*1024, table)

	// 14 bytes remain; the next record needs more, so only the
	// two-field sentinel fits
	region := make([]byte, 14)
	msg := testInner("T", 0, []byte("hello"))

	result := callback.DoAppend(0, 1010, region, msg)
	require.Equal(t, EndOfFile, result.Status)
	assert.Equal(t, int32(14), result.WroteBytes)
	assert.Equal(t, int64(1010), result.WroteOffset)

	assert.Equal(t, 14, util.BytesToInt32(region[0:4]))
	assert.Equal(t, BlankMagicCode, int32(util.BytesToInt32(region[4:8])))

	decoded := Decode(region, false, false)
	assert.Equal(t, DecodeEndOfSegment, decoded.Kind)

	// the tail table must not move for a trailer
	assert.Equal(t, int64(0), table.Next("T", 0))
}

func TestDoAppendQueueOffsetPolicy(t *testing.T) {
	table := NewQueueOffsetTable()
	callback := NewAppendMessageCallback(1024*1024, table)

	region := make([]byte, 16*1024)
	pos := int32(0)
	var offsets []int64

	appendOne := func(sysFlag int32) {
		msg := testInner("T", 0, []byte("m"))
		msg.SysFlag = sysFlag
		result := callback.DoAppend(0, pos, region[pos:], msg)
		require.Equal(t, AppendOk, result.Status)
		pos += result.WroteBytes

		decoded := Decode(region[result.WroteOffset:], false, false)
		require.Equal(t, DecodeRecord, decoded.Kind)
		offsets = append(offsets, decoded.Fields.QueueOffset)
	}

	for i := 0; i < 5; i++ {
		appendOne(0)
	}
	appendOne(TransactionPreparedType)
	appendOne(TransactionRollbackType)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 0, 0}, offsets)
	assert.Equal(t, int64(5), table.Next("T", 0))
}

func TestDoAppendMessageSizeExceeded(t *testing.T) {
	table := NewQueueOffsetTable()
	callback := NewAppendMessageCallback(64, table)

	region := make([]byte, 4096)
	msg := testInner("T", 0, make([]byte, 128))

	result := callback.DoAppend(0, 0, region, msg)
	assert.Equal(t, MessageSizeExceeded, result.Status)
}

func TestDoAppendPropertiesSizeExceeded(t *testing.T) {
	table := NewQueueOffsetTable()
	callback := NewAppendMessageCallback(64*1024*1024, table)

	region := make([]byte, 128*1024)
	msg := testInner("T", 0, []byte("x"))
	msg.PutProperty("big", string(make([]byte, maxPropertiesLength+1)))

	result := callback.DoAppend(0, 0, region, msg)
	assert.Equal(t, PropertiesSizeExceeded, result.Status)
}

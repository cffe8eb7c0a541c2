package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaylog/util"
)

func TestMagicCodeArithmetic(t *testing.T) {
	// the codes are defined by a literal expression, not a precomputed
	// constant; check the arithmetic instead of trusting a number
	assert.Equal(t, xorMagicCode(0xAABBCCDD, 1880681586+8), MessageMagicCode)
	assert.Equal(t, xorMagicCode(0xBBCCDDEE, 1880681586+8), BlankMagicCode)
	assert.NotEqual(t, MessageMagicCode, BlankMagicCode)
}

func TestEncodeLength(t *testing.T) {
	// body "hello", topic "T", no properties
	assert.Equal(t, int32(97), EncodeLength(5, 1, 0))
}

func TestPropertiesRoundTrip(t *testing.T) {
	props := map[string]string{
		"KEYS":     "order-1",
		"TAGS":     "tagA",
		"UNIQ_KEY": "abc123",
	}
	assert.Equal(t, props, DecodeProperties(EncodeProperties(props)))

	assert.Equal(t, "", EncodeProperties(nil))
	assert.Empty(t, DecodeProperties(""))
}

func sampleFields(body []byte, topic string, props map[string]string) *RecordFields {
	propsLen := len(EncodeProperties(props))
	return &RecordFields{
		TotalSize:      EncodeLength(len(body), len(topic), propsLen),
		Magic:          MessageMagicCode,
		BodyCrc:        util.Crc32(body),
		QueueId:        3,
		Flag:           7,
		QueueOffset:    11,
		PhysicalOffset: 4096,
		SysFlag:        0,
		BornTimestamp:  1690000000000,
		BornHost:       "192.168.1.5:40001",
		StoreTimestamp: 1690000000123,
		StoreHost:      "10.0.0.2:10911",
		ReconsumeTimes: 2,
		PrepTxnOffset:  0,
		Body:           body,
		Topic:          topic,
		Properties:     props,
	}
}

func TestRecordRoundTrip(t *testing.T) {
	f := sampleFields([]byte("hello"), "T", map[string]string{"KEYS": "k1"})

	buf := make([]byte, f.TotalSize)
	n := writeRecord(buf, f)
	require.Equal(t, int(f.TotalSize), n)

	result := Decode(buf, true, true)
	require.Equal(t, DecodeRecord, result.Kind)
	assert.Equal(t, f.TotalSize, result.Size)

	got := result.Fields
	assert.Equal(t, f.TotalSize, got.TotalSize)
	assert.Equal(t, MessageMagicCode, got.Magic)
	assert.Equal(t, f.BodyCrc, got.BodyCrc)
	assert.Equal(t, f.QueueId, got.QueueId)
	assert.Equal(t, f.Flag, got.Flag)
	assert.Equal(t, f.QueueOffset, got.QueueOffset)
	assert.Equal(t, f.PhysicalOffset, got.PhysicalOffset)
	assert.Equal(t, f.BornTimestamp, got.BornTimestamp)
	assert.Equal(t, f.BornHost, got.BornHost)
	assert.Equal(t, f.StoreTimestamp, got.StoreTimestamp)
	assert.Equal(t, f.StoreHost, got.StoreHost)
	assert.Equal(t, f.ReconsumeTimes, got.ReconsumeTimes)
	assert.Equal(t, f.Body, got.Body)
	assert.Equal(t, f.Topic, got.Topic)
	assert.Equal(t, f.Properties, got.Properties)
}

func TestDecodeBlankTrailer(t *testing.T) {
	buf := make([]byte, 64)
	writeBlankTrailer(buf, 64)

	result := Decode(buf, true, true)
	assert.Equal(t, DecodeEndOfSegment, result.Kind)
	assert.Equal(t, int32(0), result.Size)
}

func TestDecodeInvalid(t *testing.T) {
	// unknown magic
	f := sampleFields([]byte("x"), "T", nil)
	buf := make([]byte, f.TotalSize)
	writeRecord(buf, f)
	buf[4] ^= 0xFF
	assert.Equal(t, DecodeInvalid, Decode(buf, false, false).Kind)
	assert.Equal(t, int32(-1), Decode(buf, false, false).Size)

	// short buffer
	assert.Equal(t, DecodeInvalid, Decode(make([]byte, 4), false, false).Kind)

	// all zeros, the shape recovery sees past the written tail
	assert.Equal(t, DecodeInvalid, Decode(make([]byte, 128), false, false).Kind)
}

func TestDecodeCrcMismatch(t *testing.T) {
	f := sampleFields([]byte("hello"), "T", nil)
	buf := make([]byte, f.TotalSize)
	writeRecord(buf, f)

	// flip a body byte; the CRC only trips when checking is on
	buf[f.TotalSize-5] ^= 0xFF
	assert.Equal(t, DecodeInvalid, Decode(buf, true, true).Kind)
	assert.Equal(t, DecodeRecord, Decode(buf, false, true).Kind)
}

func TestDecodeSizeMismatch(t *testing.T) {
	f := sampleFields([]byte("hello"), "T", nil)
	buf := make([]byte, f.TotalSize+8)
	writeRecord(buf[:f.TotalSize], f)

	// corrupt total_size so it no longer matches the field lengths
	buf[3] += 8
	assert.Equal(t, DecodeInvalid, Decode(buf, false, true).Kind)
}

func TestApplyDelayRemap(t *testing.T) {
	msg := &MessageExtBrokerInner{QueueId: 1, DelayTimeLevel: 3}
	msg.Topic = "orders"

	ApplyDelayRemap(msg)

	assert.Equal(t, ScheduleTopic, msg.Topic)
	assert.Equal(t, int32(2), msg.QueueId)
	assert.Equal(t, "orders", msg.GetProperty(PropertyRealTopic))
	assert.Equal(t, "1", msg.GetProperty(PropertyRealQueueId))
	assert.Equal(t, "3", msg.GetProperty(PropertyDelayTimeLevel))
}

func TestApplyDelayRemapSkipsTransactionEdges(t *testing.T) {
	msg := &MessageExtBrokerInner{QueueId: 1, DelayTimeLevel: 3, SysFlag: TransactionPreparedType}
	msg.Topic = "orders"

	ApplyDelayRemap(msg)

	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, int32(1), msg.QueueId)
}

func TestCompressedBodyRoundTrip(t *testing.T) {
	original := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa compressible body")

	msg := &MessageExtBrokerInner{}
	msg.Topic = "T"
	msg.Body = append([]byte(nil), original...)
	msg.CompressBody()
	require.True(t, IsCompressed(msg.SysFlag))

	f := sampleFields(msg.Body, msg.Topic, nil)
	f.SysFlag = msg.SysFlag
	buf := make([]byte, f.TotalSize)
	writeRecord(buf, f)

	result := Decode(buf, true, true)
	require.Equal(t, DecodeRecord, result.Kind)
	assert.Equal(t, original, result.Fields.Body)
}

func TestUniqKeyStamped(t *testing.T) {
	inner := NewBrokerInner(messageWith("T", "x"), 0, "127.0.0.1:1", "127.0.0.1:2")
	assert.NotEmpty(t, inner.GetProperty(PropertyUniqClientMsgId))
}

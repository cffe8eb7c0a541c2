package store

import (
	"encoding/hex"

	"relaylog/util"
)

// AppendMessageCallback is the append path: given the writable
// tail of the active segment, it emits exactly one record or one
// blank trailer and reports what happened.
type AppendMessageCallback struct {
	maxMessageSize int32
	tailTable      *QueueOffsetTable
}

func NewAppendMessageCallback(maxMessageSize int32, tailTable *QueueOffsetTable) *AppendMessageCallback {
	return &AppendMessageCallback{maxMessageSize: maxMessageSize, tailTable: tailTable}
}

// DoAppend writes msg into region, the remaining bytes of the active
// segment starting at currentPos. fileFromOffset is the segment's
// base offset; msg.Topic/QueueId already reflect any delay remap the
// caller applied.
func (c *AppendMessageCallback) DoAppend(fileFromOffset int64, currentPos int32, region []byte, msg *MessageExtBrokerInner) *AppendMessageResult {
	maxBlank := int32(len(region))

	bodyLen := len(msg.Body)
	topicBytes := []byte(msg.Topic)
	propsStr := EncodeProperties(msg.Properties)
	propsLen := len(propsStr)

	if propsLen > maxPropertiesLength {
		return &AppendMessageResult{Status: PropertiesSizeExceeded}
	}

	msgLen := EncodeLength(bodyLen, len(topicBytes), propsLen)
	if msgLen > c.maxMessageSize {
		return &AppendMessageResult{Status: MessageSizeExceeded}
	}

	if msgLen+8 > maxBlank {
		writeBlankTrailer(region, maxBlank)
		return &AppendMessageResult{
			Status:      EndOfFile,
			WroteOffset: fileFromOffset + int64(currentPos),
			WroteBytes:  maxBlank,
		}
	}

	isTxnEdge := IsTransactionPreparedOrRollback(msg.SysFlag)
	var queueOffset int64
	if !isTxnEdge {
		queueOffset = c.tailTable.Next(msg.Topic, msg.QueueId)
	}

	physicalOffset := fileFromOffset + int64(currentPos)
	storeTimestamp := util.GetUnixTimeMs()

	fields := &RecordFields{
		TotalSize:      msgLen,
		Magic:          MessageMagicCode,
		BodyCrc:        util.Crc32(msg.Body),
		QueueId:        msg.QueueId,
		Flag:           msg.Flag,
		QueueOffset:    queueOffset,
		PhysicalOffset: physicalOffset,
		SysFlag:        msg.SysFlag,
		BornTimestamp:  msg.BornTimestamp,
		BornHost:       msg.BornHost,
		StoreTimestamp: storeTimestamp,
		StoreHost:      msg.StoreHost,
		ReconsumeTimes: msg.ReconsumeTimes,
		PrepTxnOffset:  msg.PrepTxnOffset,
		Body:           msg.Body,
		Topic:          msg.Topic,
		Properties:     msg.Properties,
	}

	n := writeRecord(region[:msgLen], fields)

	if !isTxnEdge {
		c.tailTable.Advance(msg.Topic, msg.QueueId)
	}

	return &AppendMessageResult{
		Status:         AppendOk,
		WroteOffset:    physicalOffset,
		WroteBytes:     int32(n),
		MsgId:          buildMsgId(msg.StoreHost, physicalOffset),
		StoreTimestamp: storeTimestamp,
		QueueOffset:    queueOffset,
	}
}

// buildMsgId concatenates storeHost's 8-byte wire form with the
// 8-byte wrote offset, hex-encoded.
func buildMsgId(storeHost string, wroteOffset int64) string {
	hostBytes := util.AddressToByte(storeHost)
	offBytes := []byte{
		byte(wroteOffset >> 56), byte(wroteOffset >> 48), byte(wroteOffset >> 40), byte(wroteOffset >> 32),
		byte(wroteOffset >> 24), byte(wroteOffset >> 16), byte(wroteOffset >> 8), byte(wroteOffset),
	}
	return hex.EncodeToString(append(hostBytes, offBytes...))
}

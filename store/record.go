package store

import (
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"relaylog/util"
)

// Magic codes are kept as the wire format's defining expression (XOR
// binds looser than +, so the addition happens first) rather than a
// precomputed hex constant, so a reviewer can check the arithmetic
// instead of trusting a number.
func xorMagicCode(a, b uint32) int32 {
	return int32(a ^ b)
}

var (
	MessageMagicCode = xorMagicCode(0xAABBCCDD, 1880681586+8)
	BlankMagicCode   = xorMagicCode(0xBBCCDDEE, 1880681586+8)
)

const (
	// Property separators match the broker's own key=value encoding:
	// 0x01 between a key and its value, 0x02 between pairs.
	propNameValueSeparator = byte(1)
	propSeparator          = byte(2)

	PropertyKeys            = "KEYS"
	PropertyTags            = "TAGS"
	PropertyRealTopic       = "REAL_TOPIC"
	PropertyRealQueueId     = "REAL_QID"
	PropertyUniqClientMsgId = "UNIQ_KEY"
	PropertyDelayTimeLevel  = "DELAY"
	PropertyWaitStoreMsgOK  = "WAIT"

	ScheduleTopic = "SCHEDULE_TOPIC_XXXX"

	// maxTopicLength / maxPropertiesLength bound the width of their
	// length-prefix fields.
	maxTopicLength      = 255
	maxPropertiesLength = 32767
)

// EncodeProperties serializes a property map the way the broker's
// wire format expects: "k1\x01v1\x02k2\x01v2".
func EncodeProperties(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	var b strings.Builder
	first := true
	for k, v := range props {
		if !first {
			b.WriteByte(propSeparator)
		}
		first = false
		b.WriteString(k)
		b.WriteByte(propNameValueSeparator)
		b.WriteString(v)
	}
	return b.String()
}

// DecodeProperties is EncodeProperties' inverse.
func DecodeProperties(s string) map[string]string {
	props := map[string]string{}
	if s == "" {
		return props
	}
	for _, pair := range strings.Split(s, string(propSeparator)) {
		idx := strings.IndexByte(pair, propNameValueSeparator)
		if idx < 0 {
			continue
		}
		props[pair[:idx]] = pair[idx+1:]
	}
	return props
}

// EncodeLength returns the exact on-disk byte length of a record with
// the given body/topic/properties sizes.
func EncodeLength(bodyLen, topicLen, propsLen int) int32 {
	const fixed = 4 + // total_size
		4 + // magic
		4 + // body_crc
		4 + // queue_id
		4 + // flag
		8 + // queue_offset
		8 + // physical_offset
		4 + // sys_flag
		8 + // born_timestamp
		8 + // born_host
		8 + // store_timestamp
		8 + // store_host
		4 + // reconsume_times
		8 // prep_txn_offset

	return int32(fixed + 4 + bodyLen + 1 + topicLen + 2 + propsLen)
}

// RecordFields is every value a decoded record carries, or every value
// the append callback must be given to write one.
type RecordFields struct {
	TotalSize      int32
	Magic          int32
	BodyCrc        int32
	QueueId        int32
	Flag           int32
	QueueOffset    int64
	PhysicalOffset int64
	SysFlag        int32
	BornTimestamp  int64
	BornHost       string // "ip:port"
	StoreTimestamp int64
	StoreHost      string // "ip:port"
	ReconsumeTimes int32
	PrepTxnOffset  int64
	Body           []byte
	Topic          string
	Properties     map[string]string
}

type DecodeKind int32

const (
	DecodeRecord DecodeKind = iota
	DecodeEndOfSegment
	DecodeInvalid
)

// DecodeResult is the tagged union of Record/EndOfSegment/Invalid.
type DecodeResult struct {
	Kind   DecodeKind
	Fields *RecordFields
	// Size is the number of bytes consumed on success (== Fields.TotalSize),
	// 0 for EndOfSegment, -1 for Invalid — matching checkMessageAndReturnSize's
	// contract.
	Size int32
}

// writeRecord serializes f into buf (which must be exactly
// EncodeLength(...) bytes) in field order, big-endian. Returns the
// number of bytes written (== len(buf)).
func writeRecord(buf []byte, f *RecordFields) int {
	topicData := []byte(f.Topic)
	propsData := []byte(EncodeProperties(f.Properties))

	off := 0
	putInt32 := func(v int32) {
		buf[off] = byte(v >> 24)
		buf[off+1] = byte(v >> 16)
		buf[off+2] = byte(v >> 8)
		buf[off+3] = byte(v)
		off += 4
	}
	putInt64 := func(v int64) {
		buf[off] = byte(v >> 56)
		buf[off+1] = byte(v >> 48)
		buf[off+2] = byte(v >> 40)
		buf[off+3] = byte(v >> 32)
		buf[off+4] = byte(v >> 24)
		buf[off+5] = byte(v >> 16)
		buf[off+6] = byte(v >> 8)
		buf[off+7] = byte(v)
		off += 8
	}
	putBytes := func(b []byte) {
		copy(buf[off:], b)
		off += len(b)
	}

	putInt32(f.TotalSize)
	putInt32(f.Magic)
	putInt32(f.BodyCrc)
	putInt32(f.QueueId)
	putInt32(f.Flag)
	putInt64(f.QueueOffset)
	putInt64(f.PhysicalOffset)
	putInt32(f.SysFlag)
	putInt64(f.BornTimestamp)
	putBytes(util.AddressToByte(f.BornHost))
	putInt64(f.StoreTimestamp)
	putBytes(util.AddressToByte(f.StoreHost))
	putInt32(f.ReconsumeTimes)
	putInt64(f.PrepTxnOffset)

	putInt32(int32(len(f.Body)))
	putBytes(f.Body)

	buf[off] = byte(len(topicData))
	off++
	putBytes(topicData)

	putInt32Short := func(v int16) {
		buf[off] = byte(v >> 8)
		buf[off+1] = byte(v)
		off += 2
	}
	putInt32Short(int16(len(propsData)))
	putBytes(propsData)

	return off
}

// writeBlankTrailer writes the two-field sentinel ("Blank
// trailer"): total_size = remaining, magic = BlankMagicCode.
func writeBlankTrailer(buf []byte, remaining int32) {
	buf[0] = byte(remaining >> 24)
	buf[1] = byte(remaining >> 16)
	buf[2] = byte(remaining >> 8)
	buf[3] = byte(remaining)
	m := BlankMagicCode
	buf[4] = byte(m >> 24)
	buf[5] = byte(m >> 16)
	buf[6] = byte(m >> 8)
	buf[7] = byte(m)
}

// Decode reads one record (or the end-of-segment trailer) out of
// buffer starting at offset 0. It never advances beyond the bytes it
// reports consuming, and never panics: any short read or malformed
// field is reported as Invalid instead of propagated, with a debug
// log so corruption is traceable.
func Decode(buffer []byte, checkCRC bool, readBody bool) (result DecodeResult) {
	defer func() {
		if r := recover(); r != nil {
			logDebugf("decode panic recovered: %v", r)
			result = DecodeResult{Kind: DecodeInvalid, Size: -1}
		}
	}()

	if len(buffer) < 8 {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}

	off := 0
	getInt32 := func() (int32, bool) {
		if off+4 > len(buffer) {
			return 0, false
		}
		v := int32(buffer[off])<<24 | int32(buffer[off+1])<<16 | int32(buffer[off+2])<<8 | int32(buffer[off+3])
		off += 4
		return v, true
	}
	getInt64 := func() (int64, bool) {
		if off+8 > len(buffer) {
			return 0, false
		}
		v := int64(buffer[off])<<56 | int64(buffer[off+1])<<48 | int64(buffer[off+2])<<40 | int64(buffer[off+3])<<32 |
			int64(buffer[off+4])<<24 | int64(buffer[off+5])<<16 | int64(buffer[off+6])<<8 | int64(buffer[off+7])
		off += 8
		return v, true
	}
	getBytes := func(n int) ([]byte, bool) {
		if n < 0 || off+n > len(buffer) {
			return nil, false
		}
		b := buffer[off : off+n]
		off += n
		return b, true
	}

	totalSize, ok := getInt32()
	if !ok {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}

	magic, ok := getInt32()
	if !ok {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}

	switch magic {
	case MessageMagicCode:
	case BlankMagicCode:
		return DecodeResult{Kind: DecodeEndOfSegment, Size: 0}
	default:
		logDebugf("found an illegal magic code 0x%x", uint32(magic))
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}

	bodyCrc, ok := getInt32()
	queueId, ok2 := getInt32()
	flag, ok3 := getInt32()
	queueOffset, ok4 := getInt64()
	physicalOffset, ok5 := getInt64()
	sysFlag, ok6 := getInt32()
	bornTimestamp, ok7 := getInt64()
	bornHostRaw, ok8 := getBytes(8)
	storeTimestamp, ok9 := getInt64()
	storeHostRaw, ok10 := getBytes(8)
	reconsumeTimes, ok11 := getInt32()
	prepTxnOffset, ok12 := getInt64()
	if !(ok && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9 && ok10 && ok11 && ok12) {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}

	bodyLen, ok := getInt32()
	if !ok || bodyLen < 0 {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}

	var body []byte
	if bodyLen > 0 {
		if readBody {
			b, ok := getBytes(int(bodyLen))
			if !ok {
				return DecodeResult{Kind: DecodeInvalid, Size: -1}
			}
			body = append([]byte(nil), b...)

			if checkCRC {
				crc := util.Crc32(body)
				if crc != bodyCrc {
					logDebugf("CRC check failed. bodyCrc=%d, currentCrc=%d", bodyCrc, crc)
					return DecodeResult{Kind: DecodeInvalid, Size: -1}
				}
			}

			// the CRC covers the stored (compressed) bytes, so
			// decompression comes after the check
			if IsCompressed(sysFlag) {
				decompressed, err := snappy.Decode(nil, body)
				if err != nil {
					logDebugf("snappy decode failed: %v", err)
					return DecodeResult{Kind: DecodeInvalid, Size: -1}
				}
				body = decompressed
			}
		} else {
			off += int(bodyLen)
			if off > len(buffer) {
				return DecodeResult{Kind: DecodeInvalid, Size: -1}
			}
		}
	}

	if off >= len(buffer) {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}
	topicLen := int(buffer[off])
	off++
	topicBytes, ok := getBytes(topicLen)
	if !ok {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}
	topic := string(topicBytes)

	if off+2 > len(buffer) {
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}
	propsLen := int16(buffer[off])<<8 | int16(buffer[off+1])
	off += 2

	var properties map[string]string
	if propsLen > 0 {
		propsBytes, ok := getBytes(int(propsLen))
		if !ok {
			return DecodeResult{Kind: DecodeInvalid, Size: -1}
		}
		properties = DecodeProperties(string(propsBytes))
	}

	readLength := EncodeLength(int(bodyLen), topicLen, int(propsLen))
	if totalSize != readLength {
		logDebugf("[BUG] read total count not equal to record total size: totalSize=%d, readLength=%d", totalSize, readLength)
		return DecodeResult{Kind: DecodeInvalid, Size: -1}
	}

	return DecodeResult{
		Kind: DecodeRecord,
		Size: totalSize,
		Fields: &RecordFields{
			TotalSize:      totalSize,
			Magic:          magic,
			BodyCrc:        bodyCrc,
			QueueId:        queueId,
			Flag:           flag,
			QueueOffset:    queueOffset,
			PhysicalOffset: physicalOffset,
			SysFlag:        sysFlag,
			BornTimestamp:  bornTimestamp,
			BornHost:       util.ByteToAddress(bornHostRaw),
			StoreTimestamp: storeTimestamp,
			StoreHost:      util.ByteToAddress(storeHostRaw),
			ReconsumeTimes: reconsumeTimes,
			PrepTxnOffset:  prepTxnOffset,
			Body:           body,
			Topic:          topic,
			Properties:     properties,
		},
	}
}

// delayLevelToQueueId is the fixed delay-level/queue-id mapping the
// schedule service owns: queue_id = delay_level - 1.
func delayLevelToQueueId(delayLevel int32) int32 {
	return delayLevel - 1
}

// ApplyDelayRemap retargets a non-prepared/non-rollback delayed
// message to the schedule topic, preserving the original topic/queue
// in properties so the scheduler can redeliver it later. The
// scheduler, not this package, owns redelivery.
func ApplyDelayRemap(msg *MessageExtBrokerInner) {
	if IsTransactionPreparedOrRollback(msg.SysFlag) || msg.DelayTimeLevel <= 0 {
		return
	}

	msg.PutProperty(PropertyRealTopic, msg.Topic)
	msg.PutProperty(PropertyRealQueueId, strconv.Itoa(int(msg.QueueId)))
	msg.PutProperty(PropertyDelayTimeLevel, strconv.Itoa(int(msg.DelayTimeLevel)))

	msg.Topic = ScheduleTopic
	msg.QueueId = delayLevelToQueueId(msg.DelayTimeLevel)
}

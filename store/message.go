package store

import (
	"strings"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"relaylog/common/message"
)

// MessageExtBrokerInner is the facade's view of a message on its way
// into the commit log: the producer-supplied message plus the
// store-only fields the append path stamps (queue selection, delay
// level, durability request) before it becomes a RecordFields.
type MessageExtBrokerInner struct {
	message.Message

	QueueId        int32
	BornHost       string
	StoreHost      string
	BornTimestamp  int64
	StoreTimestamp int64
	SysFlag        int32
	ReconsumeTimes int32
	PrepTxnOffset  int64

	DelayTimeLevel int32
	WaitStoreMsgOK bool
}

// NewBrokerInner shapes a produced message for the append path. Every
// message gets a unique key so replay records can always be
// de-duplicated downstream; a caller-supplied one wins.
func NewBrokerInner(msg message.Message, queueId int32, bornHost, storeHost string) *MessageExtBrokerInner {
	inner := &MessageExtBrokerInner{
		Message:        msg,
		QueueId:        queueId,
		BornHost:       bornHost,
		StoreHost:      storeHost,
		WaitStoreMsgOK: true,
	}

	if inner.GetProperty(PropertyUniqClientMsgId) == "" {
		inner.PutProperty(PropertyUniqClientMsgId, strings.ReplaceAll(uuid.New().String(), "-", ""))
	}

	return inner
}

// CompressBody snappy-compresses the body and marks the sys_flag bit;
// the CRC the append path computes then covers the compressed bytes,
// and decode reverses both. A second call is a no-op.
func (r *MessageExtBrokerInner) CompressBody() {
	if IsCompressed(r.SysFlag) || len(r.Body) == 0 {
		return
	}
	r.Body = snappy.Encode(nil, r.Body)
	r.SysFlag |= CompressedFlag
}

package message

import "fmt"

// Message is the producer-facing payload: a topic, a body, and the
// opaque flag/properties the broker carries through the commit log
// without interpreting (aside from the reserved keys store owns).
type Message struct {
	Topic      string
	Body       []byte
	Flag       int32
	Properties map[string]string
}

func (r Message) String() string {
	return fmt.Sprintf("Message[topic: %s, Body: %s]", r.Topic, string(r.Body))
}

func (r *Message) PutProperty(key, value string) {
	if r.Properties == nil {
		r.Properties = map[string]string{}
	}
	r.Properties[key] = value
}

func (r *Message) GetProperty(key string) string {
	return r.Properties[key]
}

// MessageExt is a Message plus everything the store stamps on it once
// it has a position in the commit log.
type MessageExt struct {
	Message

	BrokerName                string
	QueueId                   int32
	StoreSize                 int32
	QueueOffset               int64
	SysFlag                   int32
	BornTimestamp             int64
	StoreTimestamp            int64
	BornHost                  string
	StoreHost                 string
	MsgId                     string
	CommitLogOffset           int64
	ReconsumeTimes            int32
	PreparedTransactionOffset int64
	BodyCrc                   int32
}

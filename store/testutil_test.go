package store

import (
	"path/filepath"
	"testing"

	"relaylog/common/message"
)

func messageWith(topic, body string) message.Message {
	return message.Message{Topic: topic, Body: []byte(body)}
}

// testInner builds a minimal broker-inner message without the uuid
// property, so tests control the record's exact layout.
func testInner(topic string, queueId int32, body []byte) *MessageExtBrokerInner {
	inner := &MessageExtBrokerInner{
		QueueId:        queueId,
		BornHost:       "192.168.1.5:40001",
		StoreHost:      "10.0.0.2:10911",
		BornTimestamp:  1690000000000,
		WaitStoreMsgOK: true,
	}
	inner.Topic = topic
	inner.Body = body
	return inner
}

func testConfig(t *testing.T) *Config {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StorePathRootDir = dir
	cfg.StorePathCommitLog = filepath.Join(dir, "commitlog")
	cfg.MappedFileSizeCommitLog = 16 * 1024
	cfg.SyncFlushTimeout = 300
	return cfg
}

// fakeDispatchStore satisfies MessageStore for recovery tests that
// only need to observe the dispatch pipeline.
type fakeDispatchStore struct {
	dispatched  []*DispatchRequest
	truncatedAt int64
	destroyed   bool
}

func (s *fakeDispatchStore) Load() bool { return true }
func (s *fakeDispatchStore) Start()     {}
func (s *fakeDispatchStore) Shutdown()  {}
func (s *fakeDispatchStore) PutMessage(*MessageExtBrokerInner) *PutMessageResult {
	return &PutMessageResult{Status: PutOk}
}
func (s *fakeDispatchStore) GetMessage(string, string, int32, int64, int32) *GetMessageResult {
	return &GetMessageResult{Status: NoMatchedMessage}
}
func (s *fakeDispatchStore) DoDispatch(request *DispatchRequest) {
	s.dispatched = append(s.dispatched, request)
}
func (s *fakeDispatchStore) TruncateDirtyLogicFiles(phyOffset int64) { s.truncatedAt = phyOffset }
func (s *fakeDispatchStore) DestroyLogics()                          { s.destroyed = true }

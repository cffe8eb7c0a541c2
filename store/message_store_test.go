package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putN(t *testing.T, store *DefaultMessageStore, topic string, queueId int32, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := NewBrokerInner(messageWith(topic, "body-"+string(rune('a'+i))), queueId,
			"192.168.1.5:40001", "10.0.0.2:10911")
		result := store.PutMessage(msg)
		require.Equal(t, PutOk, result.Status)
	}
}

func waitForDispatch(t *testing.T, store *DefaultMessageStore, topic string, queueId int32, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cq := store.findConsumeQueueIfExists(topic, queueId)
		if cq != nil && cq.MaxLogicOffset() >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("consume queue %s-%d never reached offset %d", topic, queueId, want)
}

func TestStorePutAndPull(t *testing.T) {
	cfg := testConfig(t)
	store := NewDefaultMessageStore(cfg)
	require.True(t, store.Load())
	store.Start()
	defer store.Shutdown()

	putN(t, store, "T", 0, 5)
	waitForDispatch(t, store, "T", 0, 5)

	result := store.GetMessage("g1", "T", 0, 0, 32)
	require.Equal(t, Found, result.Status)
	require.Len(t, result.Messages, 5)
	assert.Equal(t, int64(5), result.NextBeginOffset)

	for i, ext := range result.Messages {
		assert.Equal(t, "T", ext.Topic)
		assert.Equal(t, int64(i), ext.QueueOffset)
		assert.Equal(t, []byte("body-"+string(rune('a'+i))), ext.Body)
		assert.NotEmpty(t, ext.Properties[PropertyUniqClientMsgId])
	}
}

func TestStorePullStatuses(t *testing.T) {
	cfg := testConfig(t)
	store := NewDefaultMessageStore(cfg)
	require.True(t, store.Load())
	store.Start()
	defer store.Shutdown()

	assert.Equal(t, NoMatchedLogicQueue, store.GetMessage("g1", "missing", 0, 0, 32).Status)

	putN(t, store, "T", 0, 2)
	waitForDispatch(t, store, "T", 0, 2)

	assert.Equal(t, OffsetOverflowOne, store.GetMessage("g1", "T", 0, 2, 32).Status)
	assert.Equal(t, OffsetOverflowBadly, store.GetMessage("g1", "T", 0, 99, 32).Status)
}

func TestStoreRejectsOversizedTopic(t *testing.T) {
	cfg := testConfig(t)
	store := NewDefaultMessageStore(cfg)
	require.True(t, store.Load())
	store.Start()
	defer store.Shutdown()

	long := make([]byte, maxTopicLength+1)
	for i := range long {
		long[i] = 'a'
	}
	msg := NewBrokerInner(messageWith(string(long), "x"), 0, "127.0.0.1:1", "127.0.0.1:2")
	assert.Equal(t, MessageIllegal, store.PutMessage(msg).Status)
}

func TestStoreRestartRecoversState(t *testing.T) {
	cfg := testConfig(t)

	store := NewDefaultMessageStore(cfg)
	require.True(t, store.Load())
	store.Start()
	putN(t, store, "T", 1, 3)
	waitForDispatch(t, store, "T", 1, 3)
	store.Shutdown()

	reopened := NewDefaultMessageStore(cfg)
	require.True(t, reopened.Load())
	reopened.Start()
	defer reopened.Shutdown()

	// the per-queue tail picks up where the previous run stopped
	assert.Equal(t, int64(3), reopened.commitLog.TopicQueueTable().Next("T", 1))

	putN(t, reopened, "T", 1, 1)
	waitForDispatch(t, reopened, "T", 1, 4)

	result := reopened.GetMessage("g1", "T", 1, 0, 32)
	require.Equal(t, Found, result.Status)
	assert.Len(t, result.Messages, 4)
	assert.Equal(t, int64(3), result.Messages[3].QueueOffset)
}

func TestStoreSlaveRejectsWrites(t *testing.T) {
	cfg := testConfig(t)
	cfg.BrokerRole = RoleSlave
	store := NewDefaultMessageStore(cfg)
	require.True(t, store.Load())
	store.Start()
	defer store.Shutdown()

	msg := NewBrokerInner(messageWith("T", "x"), 0, "127.0.0.1:1", "127.0.0.1:2")
	assert.Equal(t, PutUnknownError, store.PutMessage(msg).Status)
}

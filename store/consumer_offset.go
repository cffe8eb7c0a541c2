package store

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"relaylog/common"
)

const topicGroupSeparator = "@"

// ConsumerOffsetManager tracks each consumer group's committed
// position per (topic, queueId), persisted as JSON alongside the
// store's other config files.
type ConsumerOffsetManager struct {
	common.ConfigManager `json:"-"`

	path string
	lock sync.RWMutex

	OffsetTable map[string]map[int32]int64 `json:"offsetTable"`
}

func NewConsumerOffsetManager(path string) *ConsumerOffsetManager {
	r := &ConsumerOffsetManager{
		path:        path,
		OffsetTable: map[string]map[int32]int64{},
	}
	r.ConfigManager = common.ConfigManager{
		Encode:         r.encode,
		Decode:         r.decode,
		ConfigFilePath: r.configFilePath,
	}
	return r
}

func (r *ConsumerOffsetManager) configFilePath() string {
	return r.path
}

func (r *ConsumerOffsetManager) encode() string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	marshal, err := json.Marshal(r)
	if err != nil {
		log.Errorf("encode consumer offsets error: %s", err.Error())
		return ""
	}
	return string(marshal)
}

func (r *ConsumerOffsetManager) decode(jsonString string) {
	tmp := &ConsumerOffsetManager{}
	if err := json.Unmarshal([]byte(jsonString), tmp); err != nil {
		log.Errorf("decode consumer offsets error: %s", err.Error())
		return
	}

	r.lock.Lock()
	r.OffsetTable = tmp.OffsetTable
	r.lock.Unlock()
	log.Infof("loaded consumer offsets for %d topic@group keys", len(tmp.OffsetTable))
}

func (r *ConsumerOffsetManager) CommitOffset(clientHost, group, topic string, queueId int32, offset int64) {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := topic + topicGroupSeparator + group
	offsetMap, ok := r.OffsetTable[key]
	if !ok {
		offsetMap = map[int32]int64{}
		r.OffsetTable[key] = offsetMap
	}
	offsetMap[queueId] = offset

	log.Debugf("commitOffset client: %s, key: %s, queueId: %d, offset: %d", clientHost, key, queueId, offset)
}

func (r *ConsumerOffsetManager) QueryOffset(group, topic string, queueId int32) int64 {
	r.lock.RLock()
	defer r.lock.RUnlock()

	offsetMap, ok := r.OffsetTable[topic+topicGroupSeparator+group]
	if !ok {
		return -1
	}

	offset, exist := offsetMap[queueId]
	if !exist {
		return -1
	}
	return offset
}

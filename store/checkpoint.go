package store

import (
	"io/ioutil"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StoreCheckpoint is the broker-wide timestamp checkpoint abnormal
// recovery consults: the minimum of the three derived-file
// checkpoints bounds how far back recovery must scan.
type StoreCheckpoint struct {
	path string
	mu   sync.Mutex

	PhysicMsgTimestamp int64 `yaml:"physicMsgTimestamp"`
	LogicsMsgTimestamp int64 `yaml:"logicsMsgTimestamp"`
	IndexMsgTimestamp  int64 `yaml:"indexMsgTimestamp"`
}

func NewStoreCheckpoint(path string) *StoreCheckpoint {
	return &StoreCheckpoint{path: path}
}

func LoadStoreCheckpoint(path string) (*StoreCheckpoint, error) {
	cp := &StoreCheckpoint{path: path}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, nil
		}
		return nil, errors.Wrap(err, "read checkpoint")
	}

	if err := yaml.Unmarshal(data, cp); err != nil {
		return nil, errors.Wrap(err, "parse checkpoint")
	}
	return cp, nil
}

func (c *StoreCheckpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}
	if err := ioutil.WriteFile(c.path, data, 0644); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	return nil
}

func (c *StoreCheckpoint) SetPhysicMsgTimestamp(v int64) {
	c.mu.Lock()
	c.PhysicMsgTimestamp = v
	c.mu.Unlock()
}

func (c *StoreCheckpoint) SetLogicsMsgTimestamp(v int64) {
	c.mu.Lock()
	c.LogicsMsgTimestamp = v
	c.mu.Unlock()
}

func (c *StoreCheckpoint) SetIndexMsgTimestamp(v int64) {
	c.mu.Lock()
	c.IndexMsgTimestamp = v
	c.mu.Unlock()
}

// MinTimestamp is the plain minimum checkpoint: the earlier of the
// commit-log and consume-queue flush timestamps, backed off 3 seconds
// so records written in the same instant the checkpoint was taken are
// still rescanned.
func (c *StoreCheckpoint) MinTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	min := c.PhysicMsgTimestamp
	if c.LogicsMsgTimestamp < min {
		min = c.LogicsMsgTimestamp
	}
	min -= 1000 * 3
	if min < 0 {
		min = 0
	}
	return min
}

// MinTimestampIndexSafe additionally bounds by the index-file
// checkpoint, used when the index-safety option is set.
func (c *StoreCheckpoint) MinTimestampIndexSafe() int64 {
	min := c.MinTimestamp()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IndexMsgTimestamp < min {
		min = c.IndexMsgTimestamp
	}
	return min
}

package store

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type FlushDiskType int32

const (
	// AsyncFlush lets the background flush/commit services persist on
	// their own schedule; PutMessage returns as soon as the record is
	// in the mapped region (or the transient write buffer).
	AsyncFlush FlushDiskType = iota
	// SyncFlush makes PutMessage block on the group-commit rendezvous
	// until the record's bytes are durably flushed.
	SyncFlush
)

type BrokerRole int32

const (
	RoleAsyncMaster BrokerRole = iota
	RoleSyncMaster
	RoleSlave
)

// Config holds the commit log's own operational tunables. This is
// broker-internal configuration (segment sizing, durability mode,
// timeouts) and not the client-facing configuration a broker client would carry.
type Config struct {
	StorePathRootDir   string `yaml:"storePathRootDir"`
	StorePathCommitLog string `yaml:"storePathCommitLog"`

	MappedFileSizeCommitLog int64 `yaml:"mappedFileSizeCommitLog"`
	MaxMessageSize          int32 `yaml:"maxMessageSize"`

	FlushDiskType    FlushDiskType `yaml:"flushDiskType"`
	SyncFlushTimeout int64         `yaml:"syncFlushTimeoutMs"`

	FlushIntervalCommitLog         int64 `yaml:"flushIntervalCommitLogMs"`
	FlushCommitLogLeastPages       int32 `yaml:"flushCommitLogLeastPages"`
	FlushCommitLogThoroughInterval int64 `yaml:"flushCommitLogThoroughIntervalMs"`
	FlushCommitLogTimed            bool  `yaml:"flushCommitLogTimed"`

	TransientStorePoolEnable        bool  `yaml:"transientStorePoolEnable"`
	CommitIntervalCommitLog         int64 `yaml:"commitIntervalCommitLogMs"`
	CommitCommitLogLeastPages       int32 `yaml:"commitCommitLogLeastPages"`
	CommitCommitLogThoroughInterval int64 `yaml:"commitCommitLogThoroughIntervalMs"`

	UseReentrantLockWhenPutMessage bool `yaml:"useReentrantLockWhenPutMessage"`

	CheckCRCOnRecover  bool `yaml:"checkCRCOnRecover"`
	MessageIndexEnable bool `yaml:"messageIndexEnable"`
	MessageIndexSafe   bool `yaml:"messageIndexSafe"`
	DuplicationEnable  bool `yaml:"duplicationEnable"`

	BrokerRole           BrokerRole `yaml:"brokerRole"`
	HaSlaveFallBehindMax int64      `yaml:"haSlaveFallBehindMaxBytes"`
}

// DefaultConfig is the production shape: 1GB segments, async flush,
// no transient pool.
func DefaultConfig() *Config {
	return &Config{
		StorePathRootDir:                "store",
		StorePathCommitLog:              "store/commitlog",
		MappedFileSizeCommitLog:         1024 * 1024 * 1024,
		MaxMessageSize:                  1024 * 1024 * 4,
		FlushDiskType:                   AsyncFlush,
		SyncFlushTimeout:                5000,
		FlushIntervalCommitLog:          500,
		FlushCommitLogLeastPages:        4,
		FlushCommitLogThoroughInterval:  10 * 1000,
		FlushCommitLogTimed:             false,
		TransientStorePoolEnable:        false,
		CommitIntervalCommitLog:         200,
		CommitCommitLogLeastPages:       4,
		CommitCommitLogThoroughInterval: 200,
		UseReentrantLockWhenPutMessage:  false,
		CheckCRCOnRecover:               true,
		MessageIndexEnable:              true,
		MessageIndexSafe:                false,
		DuplicationEnable:               false,
		BrokerRole:                      RoleAsyncMaster,
		HaSlaveFallBehindMax:            256 * 1024 * 1024,
	}
}

// LoadConfig reads a YAML config file, falling back to DefaultConfig
// for any field a partial file omits.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read store config")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse store config")
	}

	return cfg, nil
}

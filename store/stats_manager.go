package store

import (
	"sync"
	"sync/atomic"

	"github.com/henrylee2cn/goutil/calendar/cron"
	log "github.com/sirupsen/logrus"
)

var statsMap = sync.Map{}

type CallSnapshot struct {
	times int64
	value int64
}

const (
	msgCost      = "msgCost"
	responseCost = "responseCost"
)

var statsCron = cron.New()

func init() {
	statsMap.Store(msgCost, &CallSnapshot{})
	statsMap.Store(responseCost, &CallSnapshot{})

	statsCron.AddFunc("0 * * * * ?", logCostSnapshots)
	statsCron.Start()
}

func IncMsgCost(cost int64) {
	incCost(msgCost, cost)
}

func IncResponseCost(cost int64) {
	incCost(responseCost, cost)
}

func incCost(key string, cost int64) {
	load, ok := statsMap.Load(key)
	if !ok {
		return
	}
	item := load.(*CallSnapshot)
	atomic.AddInt64(&item.times, 1)
	atomic.AddInt64(&item.value, cost)
}

func logCostSnapshots() {
	statsMap.Range(func(key, value interface{}) bool {
		item := value.(*CallSnapshot)
		times := atomic.SwapInt64(&item.times, 0)
		total := atomic.SwapInt64(&item.value, 0)
		if times > 0 {
			log.Infof("key: %s, calls: %d, avg cost: %d ms", key, times, total/times/1e6)
		}
		return true
	})
}

package broker

import (
	"path/filepath"

	"github.com/henrylee2cn/goutil/calendar/cron"
	log "github.com/sirupsen/logrus"

	"relaylog/store"
)

// BrokerController owns the process-level pieces: the message store,
// the ingestion server, the consumer-offset book, and the periodic
// persistence jobs.
type BrokerController struct {
	Server                *HttpServer
	Store                 *store.DefaultMessageStore
	ConsumerOffsetManager *store.ConsumerOffsetManager

	cron *cron.Cron
}

func Initialize(cfg *store.Config, listenAddr string) *BrokerController {
	b := &BrokerController{}

	b.Store = store.NewDefaultMessageStore(cfg)
	b.ConsumerOffsetManager = store.NewConsumerOffsetManager(
		filepath.Join(cfg.StorePathRootDir, "config", "consumerOffset.json"))

	loadOk := b.Store.Load()
	loadOk = loadOk && b.ConsumerOffsetManager.Load()
	if !loadOk {
		log.Error("store load failed")
		return nil
	}

	b.Store.Start()

	b.cron = cron.New()
	b.startTask()
	b.cron.Start()

	b.Server = NewHttpServer(b, listenAddr)
	b.Server.Start()

	return b
}

func (r *BrokerController) startTask() {
	r.cron.AddFunc("*/5 * * * * ?", func() {
		r.ConsumerOffsetManager.Persist()
	})
	r.cron.AddFunc("0 * * * * ?", func() {
		if err := r.Store.Checkpoint().Flush(); err != nil {
			log.Errorf("persist checkpoint failed: %s", err.Error())
		}
	})
}

func (r *BrokerController) Shutdown() {
	if r.cron != nil {
		r.cron.Stop()
	}
	if r.Server != nil {
		r.Server.Shutdown()
	}
	r.ConsumerOffsetManager.Persist()
	r.Store.Shutdown()
}

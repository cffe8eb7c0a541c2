package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/henrylee2cn/goutil/graceful"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"relaylog/broker"
	"relaylog/common/nlog"
	"relaylog/store"
)

func main() {
	configPath := flag.String("c", "", "store config file (yaml)")
	listenAddr := flag.String("l", "127.0.0.1:8089", "broker listen address")
	adminAddr := flag.String("a", ":8023", "pprof/metrics listen address")
	flag.Parse()

	cfg, err := store.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %s", err.Error())
	}

	controller := broker.Initialize(cfg, *listenAddr)
	if controller == nil {
		log.Fatal("broker initialize failed")
	}

	// pprof is registered on the default mux; metrics ride along
	http.Handle("/metrics", promhttp.Handler())
	adminServer := &http.Server{Addr: *adminAddr}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("admin server stopped: %s", err.Error())
		}
	}()

	graceful.SetLog(nlog.GetLogger())
	graceful.SetShutdown(10*time.Second, nil, func() error {
		controller.Shutdown()
		_ = adminServer.Close()
		return nil
	})
	graceful.GraceSignal()
}

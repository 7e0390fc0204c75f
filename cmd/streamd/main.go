package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-nvr-relay/internal/config"
	"github.com/technosupport/ts-nvr-relay/internal/platform/paths"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
	"github.com/technosupport/ts-nvr-relay/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := paths.EnsureDirs(); err != nil {
		log.Fatalf("Platform init error: %v", err)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		if p := paths.ResolveConfigPath(""); fileExists(p) {
			cfgPath = p
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("NATS connect error: %v", err)
	}
	defer nc.Drain()

	publish := func(ev wire.WorkerEvent) {
		data, err := wire.Encode(ev)
		if err != nil {
			log.Printf("streamd: encode %s event: %v", ev.Kind(), err)
			return
		}
		if err := nc.Publish(cfg.NATS.EventSubject, data); err != nil {
			log.Printf("streamd: publish %s event: %v", ev.Kind(), err)
		}
	}

	decoder := &worker.FFmpegDecoder{FPS: cfg.Worker.FPS}
	sup := worker.NewSupervisor(decoder, worker.SupervisorConfig{})

	recordingsDir := cfg.Worker.RecordingsDir
	if recordingsDir == "" {
		recordingsDir = paths.RecordingsDir()
	}
	runner := worker.NewRunner(sup, recordingsDir, publish)

	sub, err := nc.Subscribe(cfg.NATS.ControlSubject, func(m *nats.Msg) {
		runner.HandleRaw(m.Data)
	})
	if err != nil {
		log.Fatalf("NATS subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	log.Printf("streamd ready, control=%s events=%s", cfg.NATS.ControlSubject, cfg.NATS.EventSubject)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down")
	runner.StopAll()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-nvr-relay/internal/api"
	"github.com/technosupport/ts-nvr-relay/internal/config"
	"github.com/technosupport/ts-nvr-relay/internal/conn"
	"github.com/technosupport/ts-nvr-relay/internal/hub"
	"github.com/technosupport/ts-nvr-relay/internal/metrics"
	"github.com/technosupport/ts-nvr-relay/internal/platform/paths"
	"github.com/technosupport/ts-nvr-relay/internal/relay"
	"github.com/technosupport/ts-nvr-relay/internal/settings"
	"github.com/technosupport/ts-nvr-relay/internal/store"
	"github.com/technosupport/ts-nvr-relay/internal/tokens"
	"github.com/technosupport/ts-nvr-relay/internal/webhook"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := paths.EnsureDirs(); err != nil {
		log.Fatalf("Platform init error: %v", err)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		// Default location is optional; run on built-in defaults without it.
		if p := paths.ResolveConfigPath(""); fileExists(p) {
			cfgPath = p
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	defer db.Close()

	// Redis-backed runtime settings
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	flags := settings.NewProvider(rdb)

	// NATS for worker control and events
	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("NATS connect error: %v", err)
	}
	defer nc.Drain()

	collector := metrics.NewCollector()

	// Storage write path
	unitModel := &store.MediaUnitModel{DB: db}
	mediaModel := &store.MediaModel{DB: db}
	queue := store.NewWriteQueue(unitModel, collector.QueueFlush)
	defer queue.Close()

	// Webhook receivers
	var notify relay.Notifier
	if cfg.Webhook.URL != "" {
		notify = webhook.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret)
	}

	// Orchestrator first; the hub needs it for file playback commands.
	orch := relay.NewOrchestrator(nc, cfg.NATS.ControlSubject, mediaModel)
	if cfg.Warmup > 0 {
		orch.Warmup = cfg.Warmup
	}
	if cfg.Stagger > 0 {
		orch.Stagger = cfg.Stagger
	}

	h := hub.New(orch)

	// Engine channel. Every connection re-identifies the relay, so the hello
	// goes out from OnOpen on the initial connect and after every reconnect.
	engineHandler := relay.NewEngineHandler(h, queue, notify, flags, collector)
	var engine *conn.Conn
	if cfg.Engine.URL != "" {
		engine = conn.New(cfg.Engine.URL, conn.Handlers{
			OnOpen: func() {
				log.Printf("engine channel open: %s", cfg.Engine.URL)
				engine.Send(wire.IAmServer{Type: wire.TypeIAmServer})
			},
			OnError: func(err error) {
				collector.EngineReconnect()
				log.Printf("engine channel: %v", err)
			},
			OnMessage: engineHandler.HandleRaw,
		}, conn.Options{})
		engine.Start()
		defer engine.Close()
	}

	var sender relay.EngineSender
	if engine != nil {
		sender = engine
	} else {
		sender = noopEngine{}
	}

	dispatcher := relay.NewDispatcher(h, queue, sender, flags, collector)

	sub, err := relay.SubscribeWorkerEvents(nc, cfg.NATS.EventSubject, dispatcher)
	if err != nil {
		log.Fatalf("NATS subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	go orch.StartAll(ctx)

	// Live config reload: only the runtime-safe knobs apply without restart.
	config.Watch(ctx, cfgPath, func(next config.Config) {
		if next.Warmup > 0 {
			orch.Warmup = next.Warmup
		}
		if next.Stagger > 0 {
			orch.Stagger = next.Stagger
		}
		log.Printf("config reloaded")
	})

	router := api.NewRouter(api.Deps{
		Tokens:         tokens.NewManager(cfg.JWTKey),
		Hub:            h,
		Units:          unitModel,
		Media:          mediaModel,
		Metrics:        collector,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	go func() {
		log.Printf("relayd listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
}

// noopEngine stands in when no engine URL is configured; frames are archived
// but never annotated.
type noopEngine struct{}

func (noopEngine) Send(msg any) error { return nil }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

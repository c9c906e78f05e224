package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/obd-telemetry/internal/controller"
	"github.com/shaunagostinho/obd-telemetry/internal/diag"
	"github.com/shaunagostinho/obd-telemetry/internal/link"
	"github.com/shaunagostinho/obd-telemetry/internal/server"
	"github.com/shaunagostinho/obd-telemetry/internal/session"
	"github.com/shaunagostinho/obd-telemetry/internal/telemetry"
	"github.com/shaunagostinho/obd-telemetry/web"
)

func main() {
	configPath := flag.String("config", "/etc/obd-telemetry/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the built-in ELM327 emulator")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] obd-telemetry starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.OBD.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	rec := diag.NewRecorder(200)
	sink := diag.Multi{diag.Log{}, rec}

	var dialer link.Dialer
	switch cfg.OBD.Type {
	case "serial":
		dialer = link.SerialDialer{
			BaudRate:    cfg.OBD.BaudRate,
			ReadTimeout: time.Duration(cfg.OBD.ReadTimeoutMs) * time.Millisecond,
		}
	default:
		dialer = link.NewDemoDialer()
	}

	sess := session.New(cfg.OBD.SessionConfig(dialer, sink))
	defer sess.Disconnect()

	extra, err := controller.Readings(cfg.Telemetry.Readings)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	ctrl := controller.New(sess, sink, extra...)
	ctrl.Select(cfg.OBD.DeviceList(), cfg.OBD.Match)

	// Collection starts with the server; publishing starts once NATS is up
	srv := server.New(cfg, ctrl, sess, rec, web.FS)

	pubCh := make(chan *telemetry.Publisher, 1)
	if cfg.NATS.URL != "" {
		go connectWithRetry(ctx, "nats", func() error {
			pub, err := telemetry.Dial(cfg.NATS.PublisherConfig())
			if err != nil {
				return err
			}
			srv.SetPublisher(pub)
			pubCh <- pub
			return nil
		}, 10)
	}

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}

	select {
	case pub := <-pubCh:
		srv.SetPublisher(nil)
		if err := pub.Close(); err != nil {
			log.Printf("[nats] close: %v", err)
		}
	default:
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}

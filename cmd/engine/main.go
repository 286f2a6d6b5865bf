package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/somatechlat/vortex/internal/config"
	"github.com/somatechlat/vortex/internal/engine"
)

func main() {
	log.Println("Starting VORTEX control plane...")

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env overrides")
	}

	cfg, err := config.Load(os.Getenv("VORTEX_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	eng, err := engine.New(cfg, nil)
	if err != nil {
		log.Fatalf("engine init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	// Mirror the event stream into the process log until an external
	// delivery channel is attached.
	go func() {
		for ev := range eng.Bus.Subscribe() {
			log.Printf("[EVENT] run=%s seq=%d %s", ev.RunID, ev.Seq, ev.Type)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	cancel()
	eng.Stop()
}

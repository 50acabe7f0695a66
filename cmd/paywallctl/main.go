// Package main implements paywallctl, a command-line client for exercising a
// paywall bridge engine: it connects, configures, registers a placement and
// prints every presentation transition until the cycle settles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/events"
	"github.com/revcast/paywallkit/paywall"
	"github.com/revcast/paywallkit/pkg/logger"
	"github.com/revcast/paywallkit/placement"
	"github.com/revcast/paywallkit/store"
)

type config struct {
	BridgeURL     string `env:"BRIDGE_URL,default=ws://localhost:8750/bridge"`
	APIKeyIOS     string `env:"PAYWALL_API_KEY_IOS"`
	APIKeyAndroid string `env:"PAYWALL_API_KEY_ANDROID"`
	Platform      string `env:"PAYWALL_PLATFORM,default=ios"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`
}

func main() {
	envFile := flag.String("env", "", "Optional .env file to load")
	placementName := flag.String("placement", "campaign_trigger", "Placement to register")
	userID := flag.String("user", "", "Identify as this user before registering")
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for the cycle to settle")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("Failed to load env file: %v", err)
		}
	} else {
		_ = godotenv.Load() // allow .env for local runs
	}

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		log.Fatalf("Failed to decode environment: %v", err)
	}

	logg := logger.NewDefault("paywallctl")
	logg.SetLevel(cfg.LogLevel)

	platform := paywall.Platform(cfg.Platform)
	keys := paywall.APIKeys{IOS: cfg.APIKeyIOS, Android: cfg.APIKeyAndroid}
	if _, err := keys.For(platform); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := bridge.NewWSTransport(bridge.WSConfig{
		URL: cfg.BridgeURL,
		Log: logg.WithField("component", "transport"),
	})
	if err := transport.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to %s: %v", cfg.BridgeURL, err)
	}
	defer transport.Close()

	router := events.NewRouter(transport, logg.WithField("component", "router"))
	st, err := store.New(transport, router, logg.WithField("component", "store"))
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()

	if err := st.Configure(ctx, keys, platform, &paywall.Options{LogLevel: cfg.LogLevel}); err != nil {
		log.Fatalf("Configure failed: %v", err)
	}
	fmt.Println("configured")

	if *userID != "" {
		if err := st.Identify(ctx, *userID, nil); err != nil {
			log.Fatalf("Identify failed: %v", err)
		}
		fmt.Printf("identified as %s\n", *userID)
	}

	settled := make(chan paywall.PresentationState, 1)
	watcher := placement.NewWatcher(st, logg.WithField("component", "watcher"),
		placement.WithOnChange(func(rec paywall.PresentationRecord) {
			fmt.Printf("placement %s: %s", rec.Placement, rec.State)
			switch rec.State {
			case paywall.StatePresented:
				if rec.Info != nil {
					fmt.Printf(" (%s)", rec.Info.Name)
				}
			case paywall.StateDismissed:
				if rec.Result != nil {
					fmt.Printf(" (%s %s)", rec.Result.Type, rec.Result.ProductID)
				}
			case paywall.StateSkipped:
				fmt.Printf(" (%s)", rec.SkipReason)
			case paywall.StateErrored:
				fmt.Printf(" (%s)", rec.Err)
			}
			fmt.Println()
			if rec.State.Terminal() {
				select {
				case settled <- rec.State:
				default:
				}
			}
		}))
	defer watcher.Close()

	if err := watcher.Register(ctx, *placementName, nil, func() {
		fmt.Println("feature unlocked")
	}); err != nil {
		log.Fatalf("Register failed: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case state := <-settled:
		fmt.Printf("cycle settled: %s\n", state)
	case <-time.After(*timeout):
		fmt.Println("timed out waiting for the cycle to settle")
		os.Exit(1)
	case <-sigCh:
		fmt.Println("interrupted")
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[paywallctl] ")
}

// Package main implements bridgesim, a scripted paywall engine for local
// development and end-to-end testing of the SDK. It speaks the bridge frame
// protocol over WebSocket and plays back a YAML scenario per connection.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local tooling; any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":8750", "Listen address")
	scenarioPath := flag.String("scenario", "", "Path to a YAML scenario file")
	flag.Parse()

	if v := os.Getenv("BRIDGESIM_ADDR"); v != "" {
		*addr = v
	}
	if v := os.Getenv("BRIDGESIM_SCENARIO"); v != "" {
		*scenarioPath = v
	}

	scenario, err := LoadScenario(*scenarioPath)
	if err != nil {
		log.Fatalf("Failed to load scenario: %v", err)
	}

	logg := logger.NewDefault("bridgesim")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "placements": len(scenario.Placements)})
	})
	router.GET("/metrics", gin.WrapH(bridge.MetricsHandler()))
	router.GET("/bridge", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logg.WithError(err).Warn("websocket upgrade failed")
			return
		}
		defer conn.Close()

		sess := newSession(conn, scenario, logg.WithField("remote", conn.RemoteAddr().String()))
		sess.run()
	})

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("bridgesim listening on %s", *addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[bridgesim] ")
}

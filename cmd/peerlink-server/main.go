package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pion/logging"
	flag "github.com/spf13/pflag"

	"peerlink/native/internal/server"
)

const helpText = `peerlink-server - Signaling server for peerlink clients

Usage:
  peerlink-server [options]

Environment Variables:
  PEERLINK_JWT_SECRET   Enables the token endpoint and protects signaling
  PEERLINK_TURN_SECRET  Shared secret with the TURN server; enables /turn

Options:
`

func main() {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	var (
		addr        = flag.StringP("listen", "l", ":8888", "address to listen on")
		clients     = flag.StringSlice("client", nil, "OAuth2 client as id:secret (repeatable)")
		tokenTTL    = flag.Duration("token-ttl", server.DefaultTokenTTL, "access token lifetime")
		peerTimeout = flag.Duration("peer-timeout", server.DefaultPeerTimeout, "sign out peers idle this long")
		keepalive   = flag.Duration("keepalive", server.DefaultKeepalive, "event stream keepalive interval")
		turnURIs    = flag.StringSlice("turn-uri", nil, "TURN URIs returned with credentials")
		turnTTL     = flag.Duration("turn-ttl", 24*time.Hour, "TURN credential lifetime")
		debug       = flag.Bool("debug", false, "debug logging")
		help        = flag.BoolP("help", "h", false, "show this help message")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *help {
		flag.Usage()
		os.Exit(0)
	}

	loggers := logging.NewDefaultLoggerFactory()
	if *debug {
		loggers.DefaultLogLevel = logging.LogLevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg := server.Config{
		JWTSecret:   []byte(os.Getenv("PEERLINK_JWT_SECRET")),
		TokenTTL:    *tokenTTL,
		Clients:     make(map[string]string),
		PeerTimeout: *peerTimeout,
		Keepalive:   *keepalive,
		Turn: server.TurnConfig{
			SharedSecret: os.Getenv("PEERLINK_TURN_SECRET"),
			TTL:          *turnTTL,
			URIs:         *turnURIs,
		},
	}
	for _, c := range *clients {
		id, secret, ok := strings.Cut(c, ":")
		if !ok || id == "" {
			log.Fatalf("[main] invalid --client %q, want id:secret", c)
		}
		cfg.Clients[id] = secret
	}

	srv, err := server.New(cfg, loggers.NewLogger("server"))
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.ListenAndServe(ctx, *addr); err != nil {
		log.Fatalf("[main] %v", err)
	}
	log.Printf("[main] done")
}

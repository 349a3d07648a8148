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

	"github.com/pion/logging"
	flag "github.com/spf13/pflag"

	"peerlink/native/internal/api"
	"peerlink/native/internal/channel"
	"peerlink/native/internal/conductor"
	"peerlink/native/internal/config"
	"peerlink/native/internal/domain"
	"peerlink/native/internal/httpx"
	"peerlink/native/internal/initializer"
	"peerlink/native/internal/loop"
	sigclient "peerlink/native/internal/signal"
	"peerlink/native/internal/webrtc"
)

const shutdownWait = 2 * time.Second

const helpText = `peerlink - Join a signaling server and open a WebRTC data channel to a peer

Usage:
  peerlink [options]

Credentials are acquired first (OAuth2 client credentials, then TURN
credentials) when the config file names them. The client then signs in
and, with --call, offers a data channel to the first peer that appears.

Environment Variables (override the config file):
  PEERLINK_SERVER         Signaling server host
  PEERLINK_PORT           Signaling server port
  PEERLINK_HEARTBEAT_MS   Heartbeat interval in milliseconds
  PEERLINK_TURN_PROVIDER  TURN credential provider URI

Examples:
  # Wait for a call
  peerlink --config peerlink.json --name render-node

  # Call the first peer that signs in
  peerlink --config peerlink.json --name viewer --call

Options:
`

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "config file (.json with comments, .yaml)")
		name       = flag.StringP("name", "n", "", "name to sign in as (default: hostname)")
		call       = flag.Bool("call", false, "offer a call to the first peer that connects")
		stunURL    = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URL")
		turnURL    = flag.String("turn", "", "TURN server URL used with acquired relay credentials")
		logLevel   = flag.String("log-level", "info", "log level: error, warn, info, debug, trace")
		help       = flag.BoolP("help", "h", false, "show this help message")
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

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	loggers := logging.NewDefaultLoggerFactory()
	level, err := parseLevel(*logLevel)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	loggers.DefaultLogLevel = level

	bag, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	if *name == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("[main] hostname: %v", err)
		}
		*name = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	// Step 1: Session loop and transport
	l := loop.New()
	defer l.Stop()

	factory, err := channel.NewNetFactory(nil)
	if err != nil {
		log.Fatalf("[main] network: %v", err)
	}
	transport := httpx.NewTransport(l, factory, factory, loggers.NewLogger("http"))

	// Step 2: Acquire credentials
	var opts []initializer.Option
	if bag.HasAuthentication() {
		opts = append(opts, initializer.WithAuthProvider(api.NewAuthProvider(transport, *bag.Authentication, loggers.NewLogger("api"))))
	}
	if bag.HasRelayProvider() {
		opts = append(opts, initializer.WithRelayProvider(api.NewRelayProvider(transport, bag.TurnServer.Provider, loggers.NewLogger("api"))))
	}
	boot := initializer.New(l, bag, nil, loggers.NewLogger("initializer"), opts...)
	boot.Run()

	values, err := boot.Wait(ctx)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	// Step 3: Conductor builds one peer per call
	iceServers := webrtc.ICEServers(*stunURL, *turnURL, values)
	newPeer := func() (domain.Peer, error) {
		peer, err := webrtc.NewPeer(webrtc.Config{
			ICEServers:    iceServers,
			Label:         *name,
			LoggerFactory: loggers,
		})
		if err != nil {
			return nil, err
		}
		peer.OnOpen(func() {
			log.Printf("[main] data channel open")
			if err := peer.Send("hello from " + *name); err != nil {
				log.Printf("[main] send: %v", err)
			}
		})
		peer.OnMessage(func(b []byte) {
			log.Printf("[main] peer says: %s", b)
		})
		return peer, nil
	}
	cond := conductor.New(newPeer, *call, cancel, loggers.NewLogger("conductor"))

	// Step 4: Signal client with the conductor as observer
	sc := sigclient.NewClient(transport, cond, loggers.NewLogger("signal"))
	cond.SetSignaler(sc)
	if values.AccessToken != "" {
		sc.SetAuthorization(values.AccessToken)
	}
	sc.SetHeartbeat(time.Duration(values.HeartbeatIntervalMs) * time.Millisecond)

	// Step 5: Sign in
	if err := sc.Connect(values.ServerAddress, values.ServerPort, *name); err != nil {
		log.Fatalf("[main] signal connect: %v", err)
	}

	<-ctx.Done()
	log.Printf("[main] shutting down")

	// BYE must reach the server before sign_out does
	var bye <-chan struct{}
	l.Invoke(func() { bye = cond.Hangup() })
	select {
	case <-bye:
	case <-time.After(shutdownWait):
		log.Printf("[main] hangup not acknowledged")
	}

	sc.Disconnect()
	select {
	case <-cond.Ended():
	case <-time.After(shutdownWait):
		log.Printf("[main] sign out timed out")
	}

	log.Printf("[main] done")
}

func parseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
	}
}

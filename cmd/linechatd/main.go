package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hoangnd/linechat"
)

func main() {
	debflag := flag.Bool("debug", false, "Enable debug logging")
	dataDir := flag.String("data", "", "Data directory (default data)")
	wsPort := flag.Int("ws-port", 0, "WebSocket listen port, 0 disables")
	metricsAddr := flag.String("metrics", "", "Metrics/health HTTP address, empty disables")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	cfg := linechat.Config{
		DataDir:     *dataDir,
		WSPort:      *wsPort,
		MetricsAddr: *metricsAddr,
		Debug:       *debflag,
	}
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("Bad environment")
	}

	// Positional arguments: [port] [session_timeout_seconds]
	args := flag.Args()
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p < 1 || p > 65535 {
			log.Fatal().Str("arg", args[0]).Msg("Invalid port")
		}
		cfg.Port = p
	}
	if len(args) > 1 {
		t, err := strconv.Atoi(args[1])
		if err != nil || t < 1 {
			log.Fatal().Str("arg", args[1]).Msg("Invalid session timeout")
		}
		cfg.SessionTimeout = t
	}

	if cfg.Debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	if cfg.MetricsAddr != "" {
		go httpServer(cfg.MetricsAddr)
	}

	srv, err := linechat.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to open server state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("Fail to serve")
	}
}

func httpServer(address string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("Alive"))
	})

	log.Info().Msgf("Http server started address=%s", address)
	http.ListenAndServe(address, nil)
}

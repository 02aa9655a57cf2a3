// Command atmosphere-relay is the public websocket relay. Nodes that
// cannot reach each other directly park a connection here and the
// relay forwards opaque ciphertext between mesh rooms. It never holds
// keys and never sees plaintext.
//
// A single instance keeps rooms in memory. Set --redis-addr to fan
// frames out across several instances behind one address.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/atmosphere-mesh/atmosphere/internal/relay"
)

func main() {
	_ = godotenv.Load()

	var (
		listen    = flag.String("listen", envOr("RELAY_LISTEN", "0.0.0.0:7440"), "address to serve on")
		redisAddr = flag.String("redis-addr", envOr("RELAY_REDIS_ADDR", ""), "redis for multi-instance fanout (empty = single instance)")
		redisPass = flag.String("redis-password", envOr("RELAY_REDIS_PASSWORD", ""), "redis password")
		redisDB   = flag.Int("redis-db", 0, "redis database number")
		origins   = flag.String("origins", envOr("RELAY_ALLOWED_ORIGINS", ""), "comma-separated allowed origins (empty = any)")
		logLevel  = flag.String("log-level", envOr("RELAY_LOG_LEVEL", "info"), "debug, info, warn or error")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))

	cfg := relay.Config{
		Listen:        *listen,
		RedisAddr:     *redisAddr,
		RedisPassword: *redisPass,
		RedisDB:       *redisDB,
	}
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(cfg, logger)
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

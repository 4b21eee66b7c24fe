package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FromEnv overlays LOOKOUT_* environment variables onto cfg. A .env file in
// the working directory is loaded first when present; variables already set
// in the environment win over the file.
func FromEnv(cfg *Config) error {
	_ = godotenv.Load()

	if v := os.Getenv("LOOKOUT_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("LOOKOUT_GRPC_ADDR"); ok {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("LOOKOUT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOOKOUT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if err := envBool("LOOKOUT_LOG_JSON", &cfg.Log.JSON); err != nil {
		return err
	}
	if err := envInt("LOOKOUT_HUB_SHARDS", &cfg.Hub.Shards); err != nil {
		return err
	}
	if err := envInt("LOOKOUT_HUB_OUTBOX_SIZE", &cfg.Hub.OutboxSize); err != nil {
		return err
	}
	if err := envDuration("LOOKOUT_HUB_PUSH_TIMEOUT", &cfg.Hub.PushTimeout); err != nil {
		return err
	}
	if v := os.Getenv("LOOKOUT_AUTH_USER_HEADER"); v != "" {
		cfg.Auth.UserHeader = v
	}
	if err := envBool("LOOKOUT_AUTH_ALLOW_ALL", &cfg.Auth.AllowAll); err != nil {
		return err
	}
	if v := os.Getenv("LOOKOUT_AUTH_ADMINS"); v != "" {
		cfg.Auth.Admins = splitList(v)
	}
	if err := envDuration("LOOKOUT_WS_PING_INTERVAL", &cfg.WebSocket.PingInterval); err != nil {
		return err
	}
	if v := os.Getenv("LOOKOUT_WS_ALLOWED_ORIGINS"); v != "" {
		cfg.WebSocket.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("LOOKOUT_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LOOKOUT_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RequestsPerSecond = rps
	}
	if err := envInt("LOOKOUT_RATE_LIMIT_BURST", &cfg.RateLimit.Burst); err != nil {
		return err
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

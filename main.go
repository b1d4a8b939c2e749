// go_caption: YouTube closed-caption transcript MCP server.
//
// Exposes two MCP tools: youtube_transcript, caption_proxy_status.
// Runs as HTTP MCP server or stdio transport, with a plain HTTP/JSON API
// (POST /transcript) on HTTP_PORT.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go-mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anatolykoptev/go_caption/internal/captionserver"
	"github.com/anatolykoptev/go_caption/internal/engine"
	"github.com/anatolykoptev/go_caption/internal/engine/cache"
	"github.com/anatolykoptev/go_caption/internal/engine/proxies"
	"github.com/anatolykoptev/go_caption/internal/engine/quota"
	"github.com/anatolykoptev/go_caption/internal/engine/retrieval"
	"github.com/anatolykoptev/go_caption/internal/engine/youtube"
	"github.com/anatolykoptev/go_caption/internal/httpapi"
)

var (
	version  = "dev"
	mcpPort  = env.Str("MCP_PORT", "8893")
	httpPort = env.Str("HTTP_PORT", "8080")
)

func main() {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	cfg.DefaultLanguage, _ = engine.CanonicalLanguage(cfg.DefaultLanguage)

	orch, pool, tc, err := initEngine(cfg)
	if err != nil {
		slog.Error("engine init failed", slog.Any("error", err))
		os.Exit(1)
	}
	engine.SetMetricsExtra(func() string {
		return pool.FormatStats() + tc.FormatStats()
	})

	slog.Info("starting go_caption",
		slog.String("mcp_port", mcpPort),
		slog.String("http_port", httpPort),
		slog.Int("proxies", pool.Len()),
	)

	api := httpapi.NewServer(orch,
		httpapi.WithPool(pool),
		httpapi.WithMetrics(engine.FormatMetrics),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
		httpapi.WithEviction(orch),
	)
	if httpPort != "" && httpPort != "0" {
		go func() {
			if err := api.ListenAndServe(":" + httpPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http api failed", slog.Any("error", err))
			}
		}()
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "go_caption",
		Version: version,
	}, nil)

	captionserver.RegisterTools(server, orch, pool, cfg.RequestTimeout)
	slog.Info("tools registered", slog.Int("count", 2))

	if err := mcpserver.Run(server, mcpserver.Config{
		Name:         "go_caption",
		Version:      version,
		Port:         mcpPort,
		WriteTimeout: 120 * time.Second,
		Metrics:      engine.FormatMetrics,
	}); err != nil {
		slog.Error("server failed", slog.Any("error", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		slog.Warn("http api shutdown", slog.Any("error", err))
	}
}

func loadConfig() engine.Config {
	d := engine.DefaultConfig()
	return engine.Config{
		DefaultLanguage:       env.Str("DEFAULT_LANGUAGE", d.DefaultLanguage),
		FetchTimeout:          env.Duration("FETCH_TIMEOUT", d.FetchTimeout),
		RequestTimeout:        env.Duration("REQUEST_TIMEOUT", d.RequestTimeout),
		CacheTTL:              env.Duration("CACHE_TTL", d.CacheTTL),
		CacheMaxEntries:       env.Int("CACHE_MAX_ENTRIES", d.CacheMaxEntries),
		RedisURL:              env.Str("REDIS_URL", ""),
		ProxyURLs:             append(env.List("PROXY_URLS", ""), env.Str("PROXY_URL", "")),
		ProxyFailureThreshold: env.Int("PROXY_FAILURE_THRESHOLD", d.ProxyFailureThreshold),
		ProxyBaseCooldown:     env.Duration("PROXY_BASE_COOLDOWN", d.ProxyBaseCooldown),
		ProxyMaxCooldown:      env.Duration("PROXY_MAX_COOLDOWN", d.ProxyMaxCooldown),
		ProxyBlockedPenalty:   env.Int("PROXY_BLOCKED_PENALTY", d.ProxyBlockedPenalty),
		ProxyDisableAfter:     env.Int("PROXY_DISABLE_AFTER", d.ProxyDisableAfter),
		MaxProxyAttempts:      env.Int("MAX_PROXY_ATTEMPTS", d.MaxProxyAttempts),
		MaxMalformedRetries:   env.Int("MAX_MALFORMED_RETRIES", d.MaxMalformedRetries),
		GlobalRate:            env.Float("RATE_GLOBAL_RPS", d.GlobalRate),
		GlobalBurst:           env.Int("RATE_GLOBAL_BURST", d.GlobalBurst),
		GlobalConcurrency:     env.Int("RATE_GLOBAL_CONCURRENCY", d.GlobalConcurrency),
		ProxyRate:             env.Float("RATE_PROXY_RPS", d.ProxyRate),
		ProxyBurst:            env.Int("RATE_PROXY_BURST", d.ProxyBurst),
		ProxyConcurrency:      env.Int("RATE_PROXY_CONCURRENCY", d.ProxyConcurrency),
		QuotaRetry: engine.RetryConfig{
			MaxRetries:  env.Int("QUOTA_MAX_ATTEMPTS", d.QuotaRetry.MaxRetries),
			InitialWait: env.Duration("QUOTA_INITIAL_WAIT", d.QuotaRetry.InitialWait),
			MaxWait:     env.Duration("QUOTA_MAX_WAIT", d.QuotaRetry.MaxWait),
			Multiplier:  d.QuotaRetry.Multiplier,
		},
	}
}

// initEngine builds the retrieval components. Optional backends (proxy
// file, proxy database, Redis) degrade with a warning; bad values do not.
func initEngine(cfg engine.Config) (*retrieval.Orchestrator, *proxies.Pool, *cache.Cache, error) {
	ctx := context.Background()

	lists := [][]string{cfg.ProxyURLs}
	if path := env.Str("PROXY_FILE", ""); path != "" {
		urls, err := proxies.LoadFile(path)
		if err != nil {
			return nil, nil, nil, engine.NewError(engine.KindConfiguration, "main.proxy_file", err)
		}
		slog.Info("proxy file loaded", slog.String("path", path), slog.Int("proxies", len(urls)))
		lists = append(lists, urls)
	}
	if dsn := env.Str("PROXY_DATABASE_URL", ""); dsn != "" {
		urls, err := proxies.LoadPostgres(ctx, dsn)
		if err != nil {
			slog.Warn("proxy database unavailable, skipping", slog.Any("error", err))
		} else {
			slog.Info("proxy database loaded", slog.Int("proxies", len(urls)))
			lists = append(lists, urls)
		}
	}
	urls := proxies.Merge(lists...)
	if len(urls) == 0 {
		slog.Warn("no proxies configured, calling upstream directly")
	}

	pool, err := proxies.New(urls, proxies.SettingsFromConfig(cfg))
	if err != nil {
		return nil, nil, nil, err
	}

	var opts []cache.Option
	if cfg.RedisURL != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("redis cache init failed, running L1 only", slog.Any("error", err))
		} else {
			opts = append(opts, cache.WithRedis(rdb))
		}
	}
	tc, err := cache.New(cfg.CacheTTL, cfg.CacheMaxEntries, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	var ytOpts []youtube.Option
	if base := strings.TrimSpace(env.Str("YOUTUBE_BASE_URL", "")); base != "" {
		ytOpts = append(ytOpts, youtube.WithBaseURL(base))
	}
	ytOpts = append(ytOpts, youtube.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}))

	orch, err := retrieval.New(cfg, retrieval.Deps{
		Cache:    tc,
		Pool:     pool,
		Quota:    quota.FromConfig(cfg),
		Upstream: youtube.New(ytOpts...),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return orch, pool, tc, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/prediction-amm/internal/collateral"
	"github.com/atmx/prediction-amm/internal/config"
	"github.com/atmx/prediction-amm/internal/metrics"
	"github.com/atmx/prediction-amm/internal/money"
	"github.com/atmx/prediction-amm/internal/relay"
	"github.com/atmx/prediction-amm/internal/risk"
	"github.com/atmx/prediction-amm/internal/session"
	"github.com/atmx/prediction-amm/internal/store"
	"github.com/atmx/prediction-amm/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("prediction-amm failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("prediction-amm stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid redis_url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL.Duration())
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.Duration())
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if err := seedGauges(ctx, st); err != nil {
		return err
	}

	// --- Position limits ---
	limiter := risk.NewLimiter(
		decimal.NewFromUint64(cfg.Risk.MaxPerMarket),
		decimal.NewFromUint64(cfg.Risk.MaxCorrelated),
		cfg.Risk.GroupSeparator,
	)

	// --- Services ---
	wsHub := trade.NewWSHub()
	tradeSvc := trade.NewService(st, limiter, wsHub, trade.Options{
		DefaultInitialLiquidity: money.FromUint64(cfg.Market.DefaultInitialLiquidity),
		DefaultVirtualLiquidity: money.FromUint64(cfg.Market.DefaultVirtualLiquidity),
		ProtocolFeeBps:          cfg.Market.ProtocolFeeBps,
		AllowedOracles:          cfg.Market.AllowedOracles,
	})
	policy, _ := collateral.ParsePolicy(cfg.Session.ClosePolicy)
	sessionSvc := session.NewService(st, session.Options{
		SafeModeDefault: cfg.Session.SafeModeDefault,
		ClosePolicy:     policy,
	})
	tradeSvc.SetBetGate(sessionSvc)

	var relayClient *relay.Client
	if cfg.Relay.URL != "" {
		relayClient = relay.NewClient(relay.Options{
			URL:        cfg.Relay.URL,
			MaxRetries: cfg.Relay.MaxRetries,
			BaseDelay:  cfg.Relay.BaseDelay.Duration(),
			MaxDelay:   cfg.Relay.MaxDelay.Duration(),
		})
		tradeSvc.SetProofPublisher(relayClient)
	} else {
		slog.Warn("relay url not set, settlement proofs are served over HTTP only")
	}

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(wsHub, trade.NewHandler(tradeSvc), session.NewHandler(sessionSvc)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error {
		slog.Info("prediction-amm listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down prediction-amm...")
		return srv.Shutdown(shutdownCtx)
	})
	if relayClient != nil {
		g.Go(func() error {
			// A dead relay degrades proof delivery; it does not stop trading.
			if err := relayClient.Run(gctx); err != nil {
				slog.Error("settlement relay unavailable", "err", err)
			}
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ack := <-relayClient.Acks():
					slog.Info("settlement proof acknowledged", "proof_hash", ack.ProofHash, "status", ack.Status)
				}
			}
		})
	}

	return g.Wait()
}

func newRouter(wsHub *trade.WSHub, trades *trade.Handler, sessions *session.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"prediction-amm"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		trades.Routes(r)
		sessions.Routes(r)
	})
	return r
}

// seedGauges sets the market gauge from persisted state after a restart.
func seedGauges(ctx context.Context, st store.Store) error {
	pools, err := st.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}
	open := 0
	for _, p := range pools {
		if !p.Finalized {
			open++
		}
	}
	metrics.ActiveMarkets.Set(float64(open))
	return nil
}

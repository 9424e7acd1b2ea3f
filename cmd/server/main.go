package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/outcome-engine/internal/engine"
	"github.com/atmx/outcome-engine/internal/host/httpapi"
	"github.com/atmx/outcome-engine/internal/host/positions"
	"github.com/atmx/outcome-engine/internal/host/realtime"
	"github.com/atmx/outcome-engine/internal/host/scheduler"
	"github.com/atmx/outcome-engine/internal/host/store"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/params"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine markets ---
	marketID := os.Getenv("MARKET_ID")
	if marketID == "" {
		marketID = "default"
	}
	p := params.Default()
	if n := os.Getenv("N_OUTCOMES"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			p.NOutcomes = v
		}
	}

	m, err := loadOrInitMarket(marketID, p, st)
	if err != nil {
		slog.Error("failed to initialize market", "market_id", marketID, "err", err)
		os.Exit(1)
	}

	markets := map[string]*engine.Market{marketID: m}

	// --- Positions ledger, realtime hub ---
	ledger := positions.NewLedger()
	hub := realtime.NewHub()
	go hub.Run()

	nowMs := func() int64 { return time.Now().UnixMilli() }

	// --- HTTP router ---
	svc := &httpapi.Service{
		Markets: markets,
		Store:   st,
		Ledger:  ledger,
		Hub:     hub,
		NowMs:   nowMs,
	}

	// --- Batch scheduler ---
	batchInterval := 2 * time.Second
	if v := os.Getenv("BATCH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			batchInterval = time.Duration(ms) * time.Millisecond
		}
	}
	pending := newOrderQueue()
	svc.EnqueueOrder = pending.enqueue

	bs := &scheduler.BatchScheduler{
		Markets:  []*engine.Market{m},
		Interval: batchInterval,
		Source:   pending.drain,
		NowMs:    nowMs,
		Sink: func(marketID string, fills []market.Fill, events []market.Event) {
			ledger.Record(fills)
			hub.Publish(marketID, events)
			ctx := context.Background()
			if err := st.AppendEvents(ctx, marketID, events); err != nil {
				slog.Error("append events failed", "market_id", marketID, "err", err)
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go bs.Run(ctx)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      svc.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("outcome-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down outcome-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("outcome-engine stopped")
}

// loadOrInitMarket restores a market from its last persisted state if
// one exists, otherwise seeds a fresh one per spec §4.3.
func loadOrInitMarket(marketID string, p params.EngineParams, st store.Store) (*engine.Market, error) {
	blob, err := st.LoadState(context.Background(), marketID)
	if err == nil {
		m, derr := engine.FromSerializedState(marketID, p, blob)
		if derr != nil {
			return nil, derr
		}
		slog.Info("restored market from persisted state", "market_id", marketID)
		return m, nil
	}
	m, err := engine.NewMarket(marketID, p)
	if err != nil {
		return nil, err
	}
	slog.Info("initialized fresh market", "market_id", marketID, "n_outcomes", p.NOutcomes)
	return m, nil
}

// orderQueue buffers orders submitted via POST /v1/orders between
// batch scheduler ticks.
type orderQueue struct {
	mu      sync.Mutex
	pending map[string][]market.Order
}

func newOrderQueue() *orderQueue {
	return &orderQueue{pending: make(map[string][]market.Order)}
}

func (q *orderQueue) enqueue(marketID string, o market.Order) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[marketID] = append(q.pending[marketID], o)
	return nil
}

func (q *orderQueue) drain(marketID string) []market.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	orders := q.pending[marketID]
	delete(q.pending, marketID)
	return orders
}

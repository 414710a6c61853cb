// Package environment fans in macro, equity, sentiment, crypto-overview,
// and news collectors into the strategist's market environment. Collectors
// fail independently; a failed slot contributes nil without failing a tick.
package environment

import (
	"context"
	"sync"
	"time"

	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/logging"
)

// Collectors bundles the optional data sources. Nil members are treated as
// disabled and excluded from the completeness denominator.
type Collectors struct {
	Macro     MacroCollector
	Stocks    StocksCollector
	Sentiment SentimentCollector
	Overview  OverviewCollector
	News      NewsCollector
}

// MacroCollector fetches macro indicators.
type MacroCollector interface {
	Collect(ctx context.Context) (*Macro, error)
}

// StocksCollector fetches equity index levels.
type StocksCollector interface {
	Collect(ctx context.Context) (*Stocks, error)
}

// SentimentCollector fetches sentiment gauges.
type SentimentCollector interface {
	Collect(ctx context.Context) (*Sentiment, error)
}

// OverviewCollector fetches market-wide aggregates.
type OverviewCollector interface {
	Collect(ctx context.Context) (*CryptoOverview, error)
}

// NewsCollector fetches and summarises news items.
type NewsCollector interface {
	Collect(ctx context.Context) ([]NewsEvent, error)
}

// BuilderConfig configures the environment builder.
type BuilderConfig struct {
	CollectorTimeout time.Duration
	EnvironmentTTL   time.Duration
}

// Builder runs the collector fan-out and caches the result.
type Builder struct {
	collectors Collectors
	cache      *cache.Service
	cfg        BuilderConfig
	log        *logging.Logger

	mu      sync.RWMutex
	current *Environment
	builtAt time.Time
}

// NewBuilder creates an environment builder.
func NewBuilder(collectors Collectors, cacheSvc *cache.Service, cfg BuilderConfig) *Builder {
	if cfg.CollectorTimeout == 0 {
		cfg.CollectorTimeout = 10 * time.Second
	}
	if cfg.EnvironmentTTL == 0 {
		cfg.EnvironmentTTL = 30 * time.Minute
	}
	return &Builder{
		collectors: collectors,
		cache:      cacheSvc,
		cfg:        cfg,
		log:        logging.New("environment"),
	}
}

// Current returns the cached environment if it is still within its TTL.
func (b *Builder) Current() *Environment {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil || time.Since(b.builtAt) > b.cfg.EnvironmentTTL {
		return nil
	}
	return b.current
}

// Refresh runs all enabled collectors in parallel and assembles a new
// environment. Each collector gets its own timeout; failures become nil
// slots and lower the completeness score.
func (b *Builder) Refresh(ctx context.Context) *Environment {
	env := &Environment{Timestamp: time.Now().UTC()}

	total := 0
	filled := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	run := func(name string, fn func(ctx context.Context) bool) {
		total++
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, b.cfg.CollectorTimeout)
			defer cancel()
			if fn(cctx) {
				mu.Lock()
				filled++
				mu.Unlock()
			} else {
				b.log.Warn().Str("collector", name).Msg("collector produced no data")
			}
		}()
	}

	if b.collectors.Macro != nil {
		run("macro", func(ctx context.Context) bool {
			macro, err := b.collectors.Macro.Collect(ctx)
			if err != nil || macro == nil {
				return false
			}
			mu.Lock()
			env.Macro = macro
			mu.Unlock()
			return true
		})
	}
	if b.collectors.Stocks != nil {
		run("stocks", func(ctx context.Context) bool {
			stocks, err := b.collectors.Stocks.Collect(ctx)
			if err != nil || stocks == nil {
				return false
			}
			mu.Lock()
			env.Stocks = stocks
			mu.Unlock()
			return true
		})
	}
	if b.collectors.Sentiment != nil {
		run("sentiment", func(ctx context.Context) bool {
			sentiment, err := b.collectors.Sentiment.Collect(ctx)
			if err != nil || sentiment == nil {
				return false
			}
			mu.Lock()
			env.Sentiment = sentiment
			mu.Unlock()
			return true
		})
	}
	if b.collectors.Overview != nil {
		run("overview", func(ctx context.Context) bool {
			overview, err := b.collectors.Overview.Collect(ctx)
			if err != nil || overview == nil {
				return false
			}
			mu.Lock()
			env.CryptoOverview = overview
			mu.Unlock()
			return true
		})
	}
	if b.collectors.News != nil {
		run("news", func(ctx context.Context) bool {
			// News is best-effort: provider errors skip the slot silently.
			events, err := b.collectors.News.Collect(ctx)
			if err != nil || len(events) == 0 {
				return false
			}
			mu.Lock()
			env.NewsEvents = events
			mu.Unlock()
			return true
		})
	}

	wg.Wait()

	if total > 0 {
		env.CompletenessScore = float64(filled) / float64(total)
	}

	b.mu.Lock()
	b.current = env
	b.builtAt = time.Now()
	b.mu.Unlock()

	if b.cache != nil {
		_ = b.cache.SetJSON(ctx, cache.EnvironmentKey(), env, b.cfg.EnvironmentTTL)
	}

	b.log.Info().Float64("completeness", env.CompletenessScore).
		Int("filled", filled).Int("total", total).Msg("environment refreshed")
	return env
}

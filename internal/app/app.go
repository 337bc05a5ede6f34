package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"price-deviation-watch/internal/alerting"
	"price-deviation-watch/internal/config"
	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/engine"
	"price-deviation-watch/internal/feed"
	"price-deviation-watch/internal/metrics"
	"price-deviation-watch/internal/reference"
	"price-deviation-watch/internal/scheduler"
	"price-deviation-watch/internal/storage"
	"price-deviation-watch/internal/venue"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newProtocol picks the venue codec for the configured pairs.
func (a *App) newProtocol(pairs []deviation.Pair) (feed.Protocol, error) {
	switch a.Config.Feed.Venue {
	case "bybit":
		return venue.NewBybit(pairs), nil
	case "binance":
		return venue.NewBinance(pairs), nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", a.Config.Feed.Venue)
	}
}

// newNotifier assembles the configured channels. The log channel is always
// present so that alerts remain visible without any external sink.
func (a *App) newNotifier() (alerting.Notifier, func()) {
	cfg := a.Config.Alerting
	channels := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	closers := make([]func(), 0, 1)

	if !cfg.Enabled {
		a.Logger.Warn().Msg("alerting disabled; alerts are only logged")
		return channels, func() {}
	}

	if cfg.Telegram.Enabled {
		channels = append(channels, alerting.NewTelegramNotifier(
			cfg.Telegram.BotToken,
			cfg.Telegram.ChatID,
			cfg.Telegram.APIBase,
			cfg.Telegram.ParseMode,
			cfg.NotifyTimeout,
			a.Logger,
		))
	}
	if cfg.Kafka.Enabled {
		kn := alerting.NewKafkaNotifier(alerting.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), a.Logger)
		channels = append(channels, kn)
		closers = append(closers, func() {
			if err := kn.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		})
	}

	return channels, func() {
		for _, c := range closers {
			c()
		}
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newReferenceFetcher returns nil when no external reference is configured.
func (a *App) newReferenceFetcher() (reference.Fetcher, error) {
	refs := a.Config.References
	switch refs.Source {
	case "":
		return nil, nil
	case "binance":
		return reference.NewBinanceMark(reference.BinanceMarkOptions{
			BaseURL: refs.Binance.BaseURL,
			Symbols: a.referenceSymbols(),
		}, a.Logger), nil
	case "pyth":
		return reference.NewPyth(reference.PythOptions{
			BaseURL:   refs.Pyth.BaseURL,
			Feeds:     refs.Pyth.Feeds,
			Timeout:   refs.Pyth.RequestTimeout,
			UserAgent: refs.Pyth.UserAgent,
		}, a.Logger), nil
	case "chainlink":
		return reference.NewChainlink(reference.ChainlinkOptions{
			RPCURL:  refs.Chainlink.RPCURL,
			Feeds:   refs.Chainlink.Feeds,
			Timeout: refs.Chainlink.RequestTimeout,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported reference source %q", refs.Source)
	}
}

// referenceSymbols maps venue symbols to the names the reference source uses.
func (a *App) referenceSymbols() []string {
	out := make([]string, 0, len(a.Config.Feed.Symbols))
	for _, s := range a.Config.Feed.Symbols {
		if mapped, ok := a.Config.References.SymbolMap[s]; ok {
			s = mapped
		}
		out = append(out, s)
	}
	return out
}

// referenceJob wires fetcher, cache, and poller onto a scheduler.
func (a *App) referenceJob(fetcher reference.Fetcher, m *metrics.Metrics) (engine.Job, *reference.Enricher, error) {
	refs := a.Config.References
	cache := reference.NewCache(refs.MaxAge)
	poller := reference.NewPoller(fetcher, cache, m, a.Logger)

	sched, err := scheduler.New(scheduler.Options{
		Name:      "reference-" + fetcher.Name(),
		Interval:  refs.PollInterval,
		Immediate: true,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}

	job := func(ctx context.Context) error {
		return sched.Run(ctx, poller.Refresh)
	}
	return job, reference.NewEnricher(cache, fetcher.Name(), refs.SymbolMap), nil
}

func (a *App) newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg)
}

func (a *App) feedOptions(m *metrics.Metrics) feed.Options {
	fc := a.Config.Feed
	return feed.Options{
		Symbols:          fc.Symbols,
		ConnectTimeout:   fc.ConnectTimeout,
		SubscribeTimeout: fc.SubscribeTimeout,
		StalenessWindow:  fc.StalenessWindow,
		PingInterval:     fc.PingInterval,
		Backoff: feed.BackoffOptions{
			Min:        fc.Backoff.Min,
			Max:        fc.Backoff.Max,
			Factor:     fc.Backoff.Factor,
			Jitter:     fc.Backoff.Jitter,
			ResetAfter: fc.Backoff.ResetAfter,
		},
		WarnAfter: fc.WarnAfter,
		Metrics:   m,
	}
}

// buildDeps assembles the pipeline without opening any connection.
func (a *App) buildDeps(notifier alerting.Notifier, recorder alerting.Recorder) (engine.Deps, error) {
	pairs, err := a.Config.Pairs()
	if err != nil {
		return engine.Deps{}, err
	}
	protocol, err := a.newProtocol(pairs)
	if err != nil {
		return engine.Deps{}, err
	}

	m := a.newMetrics()
	deps := engine.Deps{
		Feed:            a.feedOptions(m),
		Transport:       feed.NewWebsocketTransport(a.Config.FeedURL(), a.Config.Feed.WriteTimeout),
		Protocol:        protocol,
		Source:          a.Config.Feed.Venue,
		Rules:           a.Config.Rules(),
		Notifier:        notifier,
		Recorder:        recorder,
		Workers:         a.Config.Feed.Workers,
		WorkerQueueSize: a.Config.Feed.QueueSize,
		NotifyQueueSize: a.Config.Alerting.QueueSize,
		NotifyTimeout:   a.Config.Alerting.NotifyTimeout,
		Metrics:         m,
		Logger:          a.Logger,
	}

	fetcher, err := a.newReferenceFetcher()
	if err != nil {
		return engine.Deps{}, err
	}
	if fetcher != nil {
		job, enricher, err := a.referenceJob(fetcher, m)
		if err != nil {
			return engine.Deps{}, err
		}
		deps.Jobs = append(deps.Jobs, job)
		deps.Enricher = enricher
	}

	if listen := a.Config.Metrics.Listen; listen != "" {
		deps.Jobs = append(deps.Jobs, func(ctx context.Context) error {
			return m.Serve(ctx, listen, a.Logger)
		})
	}
	return deps, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	var recorder alerting.Recorder
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert audit disabled")
	} else {
		recorder = store
	}
	if closeStore != nil {
		defer closeStore()
	}

	notifier, closeNotifier := a.newNotifier()
	defer closeNotifier()

	deps, err := a.buildDeps(notifier, recorder)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("venue", a.Config.Feed.Venue).
		Strs("symbols", a.Config.Feed.Symbols).
		Strs("pairs", a.Config.Feed.Pairs).
		Str("reference", a.Config.References.Source).
		Msg("starting monitoring service")

	handle, err := engine.Start(ctx, deps)
	if err != nil {
		return err
	}

	err = handle.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	// Symbol filters the export when set.
	Symbol    string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe one synthetic price observation.
type SimulateOptions struct {
	Symbol    string
	Pair      string
	Reference float64
	Observed  float64
}

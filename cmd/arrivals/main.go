package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"gtfs-arrivals/internal/api"
	"gtfs-arrivals/internal/cache"
	"gtfs-arrivals/internal/config"
	"gtfs-arrivals/internal/db"
	"gtfs-arrivals/internal/estimator"
	"gtfs-arrivals/internal/metrics"
	"gtfs-arrivals/internal/publisher"
	"gtfs-arrivals/internal/static"
	"gtfs-arrivals/internal/store"
)

const (
	cityWatchInterval = 30 * time.Minute
	tripCacheSize     = 10000
	tripCacheTTL      = 24 * time.Hour
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.RefreshInterval, cache.DefaultMaxAge)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Shape source and trip lookups
	var (
		fetcher cache.Fetcher
		trips   api.TripLookup
		handle  *db.Handle
	)
	switch cfg.ShapesSource {
	case "static":
		feed := static.NewFeed(cfg.GTFSStaticURL, cfg.FetchTimeout)
		fetcher, trips = feed, feed
		log.Printf("using static GTFS feed %s", cfg.GTFSStaticURL)
	default:
		handle, err = db.Connect(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer handle.Close()
		log.Printf("using postgres shapes from %s", db.Redact(cfg.DatabaseURL))
		fetcher, trips = db.NewShapeSource(handle, cfg.FetchTimeout), db.NewTrips(handle)
	}

	cachedTrips := api.NewCachedTrips(trips, tripCacheSize, tripCacheTTL)

	snapshots, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("snapshot store error: %v", err)
	}
	defer closeStore()

	opts := cache.Options{Key: cfg.SnapshotKey}
	notifiers := cache.Notifiers{cachedTrips}
	estOpts := estimator.Options{}
	if mcol != nil {
		opts.Metrics = mcol
		estOpts.Metrics = mcol
	}

	// NATS change notifications
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}
	opts.Notifier = notifiers

	shapes := cache.New(fetcher, snapshots, opts)
	if err := shapes.Initialize(ctx); err != nil {
		// keep serving: estimates fall back to stop segments until a refresh succeeds
		log.Printf("initial shape load error: %v", err)
	}
	status := shapes.Status()
	log.Printf("shape cache %s with %d shapes", status.State, status.Size)
	shapes.StartRefresher(ctx, cfg.RefreshInterval)

	// Switch to the newest city import and reload shapes when it lands
	watchDone := make(chan struct{})
	if handle != nil && cfg.City != "" {
		go func() {
			defer close(watchDone)
			db.WatchCity(ctx, handle, cfg.DatabaseURL, cfg.City, cityWatchInterval, func(reason string) {
				if mcol != nil {
					mcol.DBSwitched(reason)
				}
				cachedTrips.Purge()
				if err := shapes.Refresh(ctx, true); err != nil {
					log.Printf("shape refresh after db switch error: %v", err)
				}
			})
		}()
	} else {
		close(watchDone)
	}

	app := api.NewApp(api.NewHandlers(shapes, estimator.New(estOpts), cachedTrips))
	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			log.Printf("api shutdown error: %v", err)
		}
	}()
	log.Printf("api listening on %s", cfg.APIAddr)
	if err := app.Listen(cfg.APIAddr); err != nil {
		log.Printf("api server error: %v", err)
		cancel()
	}

	// Allow graceful shutdown
	<-ctx.Done()
	<-watchDone
	shapes.Close()
	log.Println("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.SnapshotStore {
	case "redis":
		r, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			TLSEnabled: cfg.RedisTLS,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	default:
		f, err := store.NewFile(cfg.SnapshotDir)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

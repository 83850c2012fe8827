package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trackd/config"
	"trackd/internal/cache"
	"trackd/internal/db"
	"trackd/internal/eta"
	"trackd/internal/events"
	"trackd/internal/geo"
	"trackd/internal/health"
	"trackd/internal/httpapi"
	"trackd/internal/identity"
	"trackd/internal/logs"
	"trackd/internal/metrics"
	"trackd/internal/middleware"
	"trackd/internal/movement"
	"trackd/internal/position"
	"trackd/internal/repo"
	"trackd/internal/trail"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db         *gorm.DB
	cache      *cache.Redis
	publisher  *events.Publisher
	classifier *movement.Classifier

	Store     *position.Store
	Resolver  identity.Resolver
	Assembler *trail.Assembler

	ctx    context.Context
	cancel context.CancelFunc
}

// Thresholds converts the movement config section.
func Thresholds(m config.MovementConfig) movement.Thresholds {
	return movement.Thresholds{
		StoppedMeters: m.StoppedMeters,
		StoppedAfter:  m.StoppedAfter,
		TrafficMeters: m.TrafficMeters,
		InactiveAfter: m.InactiveAfter,
	}
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg
	log := logs.Component("server")

	// 1) logging
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) database (optional; without it everything lives in memory)
	var (
		backend  position.Backend
		resolver identity.Resolver
	)
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			return err
		}
		a.db = d
		if err := db.Migrate(a.db); err != nil {
			return err
		}
		backend = repo.NewPositionStore(a.db)
		resolver = identity.NewMemo(repo.NewDeliveryStore(a.db), identity.DefaultMemoSize, 10*time.Second)
	} else {
		log.Warn("no database configured, positions are kept in memory")
		backend = position.NewMemBackend()
		resolver = identity.NewMemResolver(seedDeliveries(a.cfg.Deliveries)...)
		log.Infof("%d deliveries seeded from config", len(a.cfg.Deliveries))
	}

	// 3) cache and events are optional; failures degrade, never abort
	opts := []position.Option{}
	if addr := a.cfg.Redis.Addr; addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		c, err := cache.Dial(ctx, addr, a.cfg.Redis.Password, a.cfg.Redis.DB, a.cfg.Redis.TTL)
		cancel()
		if err != nil {
			log.Warnf("redis disabled: %v", err)
		} else {
			a.cache = c
			opts = append(opts, position.WithCache(c))
		}
	}
	if url := a.cfg.NATS.URL; url != "" {
		p, err := events.Connect(url, a.cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Warnf("nats disabled: %v", err)
		} else {
			a.publisher = p
			opts = append(opts, position.WithPublisher(p))
		}
	}

	// 4) engine
	est, err := eta.New(a.cfg.ETA.AvgSpeedKMH)
	if err != nil {
		return err
	}
	a.classifier = movement.NewClassifier(Thresholds(a.cfg.Movement))
	a.Store = position.NewStore(backend, opts...)
	a.Resolver = resolver
	a.Assembler = trail.NewAssembler(resolver, a.Store, a.classifier, est, &trail.Origin{
		Name: a.cfg.Dispatch.Name,
		Lat:  a.cfg.Dispatch.OriginLat,
		Lng:  a.cfg.Dispatch.OriginLng,
	})

	// 5) router + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	a.RegisterWebUI("/ui/")

	checks := map[string]health.Check{}
	if a.db != nil {
		checks["db"] = health.DBCheck(a.db)
	}
	if a.cache != nil {
		checks["redis"] = a.cache.Ping
	}
	health.RegisterRoutes(a.Router, checks)
	a.Router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	httpapi.New(a.Store, a.Resolver, a.Assembler, est, a.cfg.Admin.APIKey).RegisterRoutes(a.Router)

	_ = a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

func seedDeliveries(seeds []config.DeliverySeed) []identity.Association {
	out := make([]identity.Association, 0, len(seeds))
	for _, d := range seeds {
		out = append(out, identity.Association{
			TrackingID:  d.TrackingNumber,
			DeviceID:    d.DeviceID,
			Destination: geo.Point{Lat: d.DestLat, Lng: d.DestLng},
			Status:      d.Status,
		})
	}
	return out
}

// WatchConfig applies movement thresholds and log level from config file
// edits without a restart. Everything else needs a restart.
func (a *App) WatchConfig(l *config.Loader) {
	log := logs.Component("config")
	l.Watch(func(cfg *config.Config, err error) {
		if err != nil {
			log.Warnf("config change ignored: %v", err)
			return
		}
		a.classifier.SetThresholds(Thresholds(cfg.Movement))
		logs.Init(logs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: a.cfg.Logging.File})
		log.Infof("config reloaded from %s", l.ConfigFile())
	})
}

// Handler is the router wrapped in CORS. CORS sits outside mux so that
// OPTIONS on unmatched routes is answered too.
func (a *App) Handler() http.Handler {
	return middleware.CORS(a.cfg.CORS.AllowedOrigins)(a.Router)
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	log := logs.Component("server")
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-a.ctx.Done():
	case runErr = <-errc:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	a.Close()
	return runErr
}

func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }

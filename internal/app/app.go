// Package app wires the gateway components together and owns their
// lifecycle: database, dynamic settings, caches, breakers, resolver,
// session tracking, abuse guard, ledger, undo, invalidation, and the
// control-plane HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/db"
	"github.com/relaygate/relaygate/internal/http/api"
	"github.com/relaygate/relaygate/internal/invalidation"
	"github.com/relaygate/relaygate/internal/ledger"
	"github.com/relaygate/relaygate/internal/loginguard"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/models"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/resolver"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/settings"
	"github.com/relaygate/relaygate/internal/undo"
	"github.com/relaygate/relaygate/internal/usage"
	"github.com/relaygate/relaygate/internal/watcher"
)

// App holds the assembled gateway components. The relay data plane embeds
// App and drives Resolver, Tracker, and Ledger per request; the control
// plane is served by RunServer.
type App struct {
	DB       *gorm.DB
	Settings *settings.Reader
	Breakers *breaker.Registry
	Resolver *resolver.Resolver
	Tracker  *session.Tracker
	Sessions *session.Repository
	Guard    *loginguard.Guard
	Ledger   *ledger.Writer
	Undo     *undo.Store
	Rates    *ratelimit.Manager
	Usage    *usage.Recorder

	jwt     config.JWTConfig
	redis   *redis.Client
	channel *invalidation.Channel
	watcher *watcher.Watcher
	cron    *cron.Cron

	shutdown bool
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// Build assembles an App from config, migrating the database first.
func Build(ctx context.Context, cfg config.AppConfig) (*App, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return nil, errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}

	jwtCfg, _ := config.LoadJWTConfig(configPath)
	redisCfg, _ := config.LoadRedisConfig(configPath)

	reader := settings.NewReader(conn)
	snapshot := reader.Snapshot(ctx)

	redisClient, redisPrefix := newRedisClient(redisCfg, snapshot)

	var sessionStore session.Store
	if redisClient != nil {
		sessionStore = session.NewRedisStore(redisClient, redisPrefix)
	} else {
		log.Warn("app: redis not configured, session continuity is per-instance only")
		sessionStore = session.NewMemoryStore(time.Now)
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), time.Now)
	observeFuseOpens(breakers)
	sessions := session.NewRepository(conn)
	writer := ledger.NewWriter(conn)

	a := &App{
		DB:       conn,
		Settings: reader,
		Breakers: breakers,
		Resolver: resolver.New(resolver.NewGormEndpointRepository(conn), breakers),
		Tracker:  session.NewTracker(sessionStore, nil),
		Sessions: sessions,
		Guard:    loginguard.New(guardConfig(snapshot), time.Now),
		Ledger:   writer,
		Undo:     undo.NewStore(),
		Rates:    ratelimit.NewManager(rateLimitConfig(reader, redisCfg), time.Now, nil),
		Usage:    usage.NewRecorder(conn, writer, sessions),
		jwt:      jwtCfg,
		redis:    redisClient,
		channel:  invalidation.New(redisClient, ""),
		watcher:  watcher.New(conn, 0),
		cron:     cron.New(),
	}

	a.channel.OnEvent(a.applyInvalidation)
	a.channel.Start(ctx)

	a.watcher.WatchEndpoints(a.Resolver.InvalidateAll)
	a.watcher.WatchSettings(a.Settings.Invalidate)
	a.watcher.Start(ctx)

	if _, errCron := a.cron.AddFunc("@every 5m", func() {
		if removed := a.Guard.Sweep(); removed > 0 {
			log.Debugf("app: login guard sweep removed %d buckets", removed)
		}
		a.Rates.Sweep()
	}); errCron != nil {
		return nil, fmt.Errorf("schedule sweeps: %w", errCron)
	}
	if _, errCron := a.cron.AddFunc("10 4 * * *", func() {
		a.runScheduledReconcile(context.Background())
	}); errCron != nil {
		return nil, fmt.Errorf("schedule reconciliation: %w", errCron)
	}
	a.cron.Start()

	return a, nil
}

// Invalidate publishes an invalidation event and applies it locally, so a
// single instance converges immediately even without redis.
func (a *App) Invalidate(ctx context.Context, event invalidation.Event) {
	if a == nil {
		return
	}
	a.applyInvalidation(event)
	a.channel.Publish(ctx, event)
}

// applyInvalidation routes a received event to the affected local caches.
func (a *App) applyInvalidation(event invalidation.Event) {
	switch event.Kind {
	case invalidation.KindEndpoints:
		if event.VendorID != 0 {
			a.Resolver.InvalidateEndpoints(event.VendorID, models.ProviderType(event.ProviderType))
			return
		}
		a.Resolver.InvalidateAll()
	case invalidation.KindSettings:
		a.Settings.Invalidate()
	case invalidation.KindSessions:
		a.Sessions.InvalidateAll()
	default:
		log.Warnf("app: unknown invalidation kind %q", event.Kind)
	}
}

// runScheduledReconcile runs the ledger checks and logs the outcome.
func (a *App) runScheduledReconcile(ctx context.Context) {
	report, errReconcile := ledger.Reconcile(ctx, a.DB)
	if errReconcile != nil {
		log.WithError(errReconcile).Error("app: scheduled reconciliation failed to run")
		return
	}
	for _, check := range report.Checks {
		if check.Passed {
			continue
		}
		log.WithFields(log.Fields{
			"check":    check.Name,
			"critical": check.Critical,
			"detail":   check.Detail,
		}).Warn("app: ledger reconciliation check failed")
	}
	if !report.Failed() {
		log.Info("app: ledger reconciliation clean")
	}
}

// RunServer builds the app and serves the control-plane API until ctx is
// canceled.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	a, errBuild := Build(ctx, cfg)
	if errBuild != nil {
		return errBuild
	}
	defer a.Shutdown()

	initialized, errInit := HasAdminInitialized(a.DB)
	if errInit != nil {
		return errInit
	}
	if !initialized {
		log.Warn("app: no admin account exists, create one with -admin-user/-admin-pass")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.RegisterRoutes(engine, api.Deps{
		DB:       a.DB,
		JWT:      a.jwt,
		Guard:    a.Guard,
		Tracker:  a.Tracker,
		Sessions: a.Sessions,
		Breakers: a.Breakers,
		Undo:     a.Undo,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.WithError(errShutdown).Error("app: http shutdown")
		}
	}()

	log.Infof("starting gateway control plane on %s", srv.Addr)
	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return errListen
	}
	return nil
}

// Shutdown stops every background component. Safe to call more than once.
func (a *App) Shutdown() {
	if a == nil || a.shutdown {
		return
	}
	a.shutdown = true

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	a.channel.Stop()
	a.watcher.Stop()
	a.Undo.Shutdown()
	a.Rates.Close()
	a.Resolver.Shutdown()
	a.Sessions.Shutdown()
	if a.redis != nil {
		if errClose := a.redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("app: redis close")
		}
	}
}

// newRedisClient builds a client from the file config, falling back to the
// settings table address. A nil client means redis is disabled.
func newRedisClient(cfg config.RedisConfig, snapshot settings.Snapshot) (*redis.Client, string) {
	addr := cfg.Addr
	password := cfg.Password
	dbIndex := cfg.DB
	prefix := cfg.Prefix
	if addr == "" {
		addr = snapshot.RedisAddr
		password = snapshot.RedisPassword
		dbIndex = snapshot.RedisDB
		prefix = snapshot.RedisPrefix
	}
	if addr == "" {
		return nil, ""
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIndex,
	})
	return client, prefix
}

// rateLimitConfig builds the rate limiter's settings provider. The file
// config wins for the redis address; otherwise the settings table value is
// re-read on every check so runtime changes take effect.
func rateLimitConfig(reader *settings.Reader, fileCfg config.RedisConfig) ratelimit.ConfigProvider {
	return func() ratelimit.Config {
		if fileCfg.Addr != "" {
			return ratelimit.Config{
				Addr:     fileCfg.Addr,
				Password: fileCfg.Password,
				DB:       fileCfg.DB,
				Prefix:   fileCfg.Prefix,
			}
		}
		snapshot := reader.Snapshot(context.Background())
		return ratelimit.Config{
			Addr:     snapshot.RedisAddr,
			Password: snapshot.RedisPassword,
			DB:       snapshot.RedisDB,
			Prefix:   snapshot.RedisPrefix,
		}
	}
}

// observeFuseOpens counts vendor-type fuse openings on the fuse metric.
func observeFuseOpens(breakers *breaker.Registry) {
	breakers.OnFuseOpen(func(reason string) {
		metrics.FuseOpens.WithLabelValues(reason).Inc()
	})
}

// guardConfig maps settings values onto the login guard config.
func guardConfig(snapshot settings.Snapshot) loginguard.Config {
	return loginguard.Config{
		MaxAttemptsPerIP:  snapshot.LoginMaxAttemptsPerIP,
		MaxAttemptsPerKey: snapshot.LoginMaxAttemptsPerKey,
		Window:            time.Duration(snapshot.LoginWindowSeconds) * time.Second,
		Lockout:           time.Duration(snapshot.LoginLockoutSeconds) * time.Second,
	}
}

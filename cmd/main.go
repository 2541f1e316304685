package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/hotaru-social/nostr-ap-bridge/ap"
	"github.com/hotaru-social/nostr-ap-bridge/apclient"
	"github.com/hotaru-social/nostr-ap-bridge/api"
	"github.com/hotaru-social/nostr-ap-bridge/bridge"
	"github.com/hotaru-social/nostr-ap-bridge/cache"
	"github.com/hotaru-social/nostr-ap-bridge/delivery"
	"github.com/hotaru-social/nostr-ap-bridge/identity"
	"github.com/hotaru-social/nostr-ap-bridge/relaypool"
	"github.com/hotaru-social/nostr-ap-bridge/store"
	"github.com/hotaru-social/nostr-ap-bridge/translate"
	"github.com/hotaru-social/nostr-ap-bridge/types"
	"github.com/hotaru-social/nostr-ap-bridge/util"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

// bridgedKinds are the event kinds the pool subscribes to: profiles,
// notes, contact lists, deletions, reposts and reactions.
var bridgedKinds = []int{
	nostr.KindProfileMetadata,
	nostr.KindTextNote,
	nostr.KindContactList,
	nostr.KindDeletion,
	nostr.KindRepost,
	nostr.KindReaction,
}

func main() {
	e := echo.New()

	configPaths := []string{}
	configPath := os.Getenv("NOSTR_AP_BRIDGE_CONFIG")
	if configPath != "" {
		configPaths = append(configPaths, configPath)
	}

	additionalConfigs := os.Getenv("NOSTR_AP_BRIDGE_CONFIGS")
	if additionalConfigs != "" {
		for _, v := range strings.Split(additionalConfigs, ":") {
			configPaths = append(configPaths, v)
		}
	}

	if len(configPaths) == 0 {
		configPaths = append(configPaths, "/etc/nostr-ap-bridge/config.yaml")
	}

	config, err := util.LoadMultipleYamlFiles[Config](configPaths)
	if err != nil {
		slog.Error("Failed to load config: ", slog.String("error", err.Error()))
		panic(err)
	}

	if config.ApConfig.FQDN == "" || config.ApConfig.SecretKey == "" {
		panic("fqdn and secretKey must be configured")
	}
	if len(config.Relays) == 0 {
		panic("at least one relay must be configured")
	}

	slog.Info(fmt.Sprintf("Nostr Activitypub Bridge %s starting...", version))
	slog.Info(fmt.Sprintf("Bridging %s over %d relays", config.ApConfig.FQDN, len(config.Relays)))

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := util.SetupTraceProvider(config.Server.TraceEndpoint, config.ApConfig.FQDN+"/bridge", version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.ApConfig.FQDN, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("bridge"))
	e.Use(middleware.Recover())

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("postgres"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	// Migrate the schema
	log.Println("start migrate")
	db.AutoMigrate(
		&types.BridgedActor{},
		&types.RemoteActor{},
		&types.ApFollow{},
		&types.ApFollower{},
		&types.ApObjectReference{},
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Server.RedisAddr,
		Password: "", // no password set
		DB:       config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	dedupRetention := time.Duration(config.Limits.DedupRetention) * time.Second
	if dedupRetention <= 0 {
		dedupRetention = 24 * time.Hour
	}

	storeService := store.NewStore(db)
	cacheService := cache.NewCache(mc, rdb, dedupRetention)
	mapper := identity.NewMapper(storeService, config.ApConfig)
	translator := translate.NewTranslator(config.ApConfig.FQDN)
	apclientService := apclient.NewApClient(cacheService, storeService, config.ApConfig)
	engine := delivery.NewEngine(apclientService, config.Limits, nil)
	verifier := delivery.NewVerifier(apclientService)

	pool := relaypool.NewPool(
		config.Relays,
		nostr.Filters{{Kinds: bridgedKinds}},
		cacheService.Seen,
		relaypool.Connect,
		time.Duration(config.Limits.ReconnectBackoffMax)*time.Second,
	)

	bridgeService := bridge.NewService(
		storeService,
		cacheService,
		mapper,
		translator,
		apclientService,
		pool,
		engine,
		config.ApConfig,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the instance actor signs fetches made on behalf of nobody in
	// particular, like shared inbox verification
	instanceSecret := mapper.DeriveSecret("https://" + config.ApConfig.FQDN)
	instancePubkey, err := nostr.GetPublicKey(instanceSecret)
	if err != nil {
		panic(err)
	}
	instanceActor, err := mapper.ActorForPubkey(ctx, instancePubkey)
	if err != nil {
		panic(err)
	}

	apService := ap.NewService(
		storeService,
		cacheService,
		mapper,
		bridgeService,
		verifier,
		instanceActor,
		config.ApConfig,
		config.NodeInfo,
		version,
	)
	apHandler := ap.NewHandler(apService)

	apiService := api.NewService(storeService, apclientService, mapper, instanceActor)
	apiHandler := api.NewHandler(apiService)

	go pool.Run(ctx)
	go bridgeService.Run(ctx, pool.Events())

	e.GET("/.well-known/host-meta", apHandler.HostMeta)
	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)
	e.GET("/nodeinfo/2.0", apHandler.NodeInfo)

	apGroup := e.Group("/ap")
	apGroup.GET("/acct/:id", apHandler.User)
	apGroup.POST("/acct/:id/inbox", apHandler.Inbox)
	apGroup.GET("/acct/:id/outbox", apHandler.Outbox)
	apGroup.GET("/note/:id", apHandler.Note)

	apGroup.POST("/inbox", apHandler.SharedInbox)

	apiGroup := e.Group("/api")
	apiGroup.GET("/stats", apiHandler.Stats)
	apiGroup.GET("/resolve", apiHandler.Resolve)
	apiGroup.GET("/actor/:id", apiHandler.Actor)
	apiGroup.GET("/actor/:id/followers", apiHandler.Followers)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.Ping()
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	envport := os.Getenv("NOSTR_AP_BRIDGE_PORT")
	if envport != "" {
		port = ":" + envport
	}

	go func() {
		if err := e.Start(port); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", slog.String("error", err.Error()))
	}

	// running deliveries get to finish their current attempt
	engine.Wait()
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/ao/doorlock/internal/config"
	"github.com/ao/doorlock/internal/doorlock"
	"github.com/ao/doorlock/internal/face"
	"github.com/ao/doorlock/internal/face/dlib"
	"github.com/ao/doorlock/internal/qr"
	"github.com/ao/doorlock/internal/resilience"
	"github.com/ao/doorlock/internal/session"
	"github.com/ao/doorlock/internal/store"
	"github.com/ao/doorlock/internal/web"
)

// DoorlockServer holds the running components
type DoorlockServer struct {
	config       *config.Config
	store        store.Store
	sessionStore *session.RedisStore
	service      *doorlock.Service
	webServer    *web.WebServer
	logger       *logrus.Logger
	zapLogger    *zap.Logger
}

func newZapLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.Level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openStore opens the configured store, retrying MongoDB connections
func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger, zl *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		log.Warn("Using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.Store.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return sqliteStore, nil
	}

	backoff := resilience.DefaultExponentialBackoffConfig()
	backoff.InitialDelay = time.Second
	backoff.MaxRetries = uint32(cfg.Store.ConnectRetries)
	backoff.MaxDuration = 0
	policy := resilience.NewRetryPolicy("mongo-connect", backoff, zl)

	var st store.Store
	err := policy.Execute(ctx, func(ctx context.Context) error {
		mongoStore, err := store.NewMongoStore(ctx, store.MongoOptions{
			URI:                    cfg.Store.MongoURI,
			Database:               cfg.Store.Database,
			ServerSelectionTimeout: cfg.Store.ConnectTimeout,
		}, log)
		if err != nil {
			log.Warnf("MongoDB connection attempt failed: %v", err)
			return err
		}
		st = mongoStore
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return st, nil
}

// openEncoder loads the dlib models. A failure disables face recognition
// instead of stopping the server.
func openEncoder(cfg *config.Config, log *logrus.Logger) face.Encoder {
	pool, err := dlib.NewPool(cfg.Face.ModelsDir, cfg.Face.Encoders, log)
	if err != nil {
		log.Errorf("Face recognition disabled: %v", err)
		return nil
	}
	return pool
}

// openSessions returns an LRU session store, fronted by Redis when configured
func openSessions(ctx context.Context, cfg *config.Config, log *logrus.Logger) (session.Store, *session.RedisStore, error) {
	lru, err := session.NewLRUStore(cfg.Session.Capacity)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Session.RedisAddr == "" {
		return lru, nil, nil
	}

	opts := session.DefaultRedisOptions()
	opts.Address = cfg.Session.RedisAddr
	opts.Password = cfg.Session.RedisPassword
	opts.DB = cfg.Session.RedisDB

	redisStore := session.NewRedisStore(opts, lru, log)
	if err := redisStore.Ping(ctx); err != nil {
		log.Warnf("Redis at %s unreachable, sessions fall back to memory: %v", opts.Address, err)
	} else {
		log.Infof("Using Redis session store at %s", opts.Address)
	}
	return redisStore, redisStore, nil
}

func createServer(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*DoorlockServer, error) {
	server := &DoorlockServer{
		config:    cfg,
		logger:    log,
		zapLogger: newZapLogger(cfg),
	}

	st, err := openStore(ctx, cfg, log, server.zapLogger)
	if err != nil {
		return nil, err
	}
	server.store = st

	sessions, redisStore, err := openSessions(ctx, cfg, log)
	if err != nil {
		_ = shutdownServer(server)
		return nil, err
	}
	server.sessionStore = redisStore

	svc, err := doorlock.New(doorlock.Options{
		Store:          st,
		Encoder:        openEncoder(cfg, log),
		Validator:      qr.NewValidator(cfg.Security.QRHash),
		Sessions:       session.NewManager(sessions, cfg.Session.TTL, log),
		Threshold:      cfg.Face.Threshold,
		MaxInFlight:    cfg.MaxInFlight(),
		AcquireTimeout: cfg.Server.AcquireWait,
		Logger:         log,
		ZapLogger:      server.zapLogger,
	})
	if err != nil {
		_ = shutdownServer(server)
		return nil, fmt.Errorf("failed to create door-lock service: %w", err)
	}
	server.service = svc

	if _, err := svc.ReloadFaces(ctx); err != nil {
		log.Errorf("Failed to load face encodings: %v", err)
	}
	svc.StartFaceRefresh(ctx, cfg.Face.RefreshInterval)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.AdminEnabled() {
		log.Info("Admin API enabled")
	}

	server.webServer = web.NewWebServer(svc, log, web.Options{
		Addr:           cfg.Addr(),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AdminTokenHash: cfg.Security.AdminTokenHash,
	})
	if err := server.webServer.Start(); err != nil {
		_ = shutdownServer(server)
		return nil, err
	}

	log.Infof("Door lock server listening on %s (%d concurrent frames)", server.webServer.Addr(), cfg.MaxInFlight())
	return server, nil
}

func shutdownServer(server *DoorlockServer) error {
	// Stop Web Server
	if server.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.webServer.Stop(ctx); err != nil {
			server.logger.Errorf("Failed to stop web server: %v", err)
		}
	}

	// Flush access logs and release the face models
	if server.service != nil {
		if err := server.service.Close(); err != nil {
			server.logger.Errorf("Failed to close door-lock service: %v", err)
		}
	}

	if server.sessionStore != nil {
		if err := server.sessionStore.Close(); err != nil {
			server.logger.Errorf("Failed to close session store: %v", err)
		}
	}

	if server.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.store.Close(ctx); err != nil {
			server.logger.Errorf("Failed to close store: %v", err)
		}
	}

	if server.zapLogger != nil {
		_ = server.zapLogger.Sync()
	}
	return nil
}

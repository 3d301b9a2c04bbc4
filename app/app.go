package cipherchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/cipherchat/core"
	"github.com/putto11262002/cipherchat/pkg/router"
	"golang.org/x/time/rate"
)

type App struct {
	config  *Config
	db      *core.SQLiteDB
	context context.Context
	server  *http.Server
	logger  *slog.Logger
	router  *router.Router

	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	registry    *core.RoomRegistry
	relay       *core.Relay
	subscriber  core.Subscriber

	userStore    core.UserStore
	authStore    core.AuthStore
	messageStore core.MessageStore
	chatService  *core.ChatService
	limiter      *core.LimiterStore

	userHandler    *UserHandler
	authHandler    *AuthHandler
	messageHandler *MessageHandler

	cleanupFuncs []func(context.Context) error
}

// NewLogger returns the text logger used across the app, with source file names trimmed to their base name.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New wires the app. The context bounds the lifetime of every websocket session.
// When New fails, the resources opened so far are released.
func New(ctx context.Context, config *Config, logger *slog.Logger) (_ *App, err error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	if logger == nil {
		logger = NewLogger(config.LogLevel)
	}
	app := &App{
		config:  config,
		context: ctx,
		logger:  logger,
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			app.Close(closeCtx)
		}
	}()

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
	app.db, err = core.NewSQLiteDB(config.SQLite.File, config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.AddCleanupFunc(func(context.Context) error {
		return app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	app.userStore = core.NewSQLiteUserStore(app.db.DB)
	app.authStore = core.NewSQLiteAuthStore(app.db.DB, app.userStore, config.Auth.Secret,
		core.WithTokenExp(config.Auth.TokenExp))

	if app.messageStore, err = app.openMessageStore(); err != nil {
		return nil, err
	}
	app.AddCleanupFunc(func(context.Context) error {
		return app.messageStore.Close()
	})

	presence, err := app.openPresenceStore()
	if err != nil {
		return nil, err
	}
	app.registry = core.NewRoomRegistry(presence)

	publisher := app.openPublisher()

	app.eventRouter = core.NewEventRouter(logger.With(slog.String("component", "events")))
	app.registerEventHandlers()

	app.wsManager = core.NewConnManager(ctx, logger.With(slog.String("component", "ws")), app.eventRouter,
		core.WithCheckOrigin(app.checkOrigin),
		core.WithEventRate(rate.Limit(20), 40))
	app.wsManager.OnConnectionOpened(app.onConnectionOpen)
	app.wsManager.OnConnectionClosed(app.onConnectionClose)

	app.relay = core.NewRelay(app.wsManager, app.registry, publisher, logger.With(slog.String("component", "relay")),
		core.WithRelayTimeout(config.Relay.Timeout),
		core.WithRelayQueueSize(config.Relay.QueueSize))
	app.relay.Start()
	app.AddCleanupFunc(app.relay.Close)
	app.AddCleanupFunc(app.wsManager.Close)

	app.chatService = core.NewChatService(app.messageStore, app.relay, app.userStore, logger)
	if config.RateLimit.PerMinute > 0 {
		app.limiter = core.NewLimiterStore(config.RateLimit.PerMinute, config.RateLimit.Burst, time.Minute)
		app.AddCleanupFunc(func(context.Context) error {
			app.limiter.Stop()
			return nil
		})
	}

	app.userHandler = NewUserHandler(app.userStore)
	app.authHandler = NewAuthHandler(app.authStore, config.Mode == ProdMode)
	app.messageHandler = NewMessageHandler(app.chatService, app.limiter)

	app.routes()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = defaultTLSConfig.Clone()
	}
	app.AddCleanupFunc(app.server.Shutdown)

	return app, nil
}

func (app *App) openMessageStore() (core.MessageStore, error) {
	switch app.config.Store.Driver {
	case "memory":
		return core.NewMemoryMessageStore(), nil
	case "json":
		store, err := core.OpenJSONFileMessageStore(app.config.Store.JSONFile)
		if err != nil {
			return nil, fmt.Errorf("open json store: %w", err)
		}
		return store, nil
	case "badger":
		store, err := core.OpenBadgerMessageStore(app.config.Store.BadgerDir, app.logger)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return store, nil
	default:
		return core.NewSQLiteMessageStore(app.db.DB), nil
	}
}

func (app *App) openPresenceStore() (core.PresenceStore, error) {
	if app.config.Presence.Driver != "redis" {
		return core.NewMemoryPresenceStore(), nil
	}
	ctx, cancel := context.WithTimeout(app.context, 5*time.Second)
	defer cancel()
	store, err := core.OpenRedisPresenceStore(ctx, app.config.Presence.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open redis presence: %w", err)
	}
	app.AddCleanupFunc(func(context.Context) error {
		return store.Close()
	})
	return store, nil
}

// openPublisher never fails: an unusable relay leaves delivery to the direct path.
func (app *App) openPublisher() core.Publisher {
	switch app.config.Relay.Driver {
	case "nats":
		nc, err := core.ConnectNATS(app.config.Relay.NATSURL, app.logger)
		if err != nil {
			app.logger.Error(fmt.Sprintf("%v: connect nats: %v", core.ErrRelayUnavailable, err))
			app.logger.Warn("relay path disabled, delivering on the direct path only")
			return core.NopPublisher{}
		}
		app.AddCleanupFunc(func(context.Context) error {
			return nc.Close()
		})
		app.subscriber = nc
		return nc
	case "local":
		broker := core.NewLocalBroker()
		app.subscriber = broker
		return broker
	default:
		app.logger.Info("relay path disabled")
		return core.NopPublisher{}
	}
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(app.config.AllowedOrigins, "*") || slices.Contains(app.config.AllowedOrigins, origin)
}

func (app *App) routes() {
	app.router = router.New(router.WithLogger(app.logger))
	app.router.MapStatus(core.ErrRoomNotFound, http.StatusNotFound)
	app.router.MapStatus(core.ErrUserNotFound, http.StatusNotFound)
	app.router.MapStatus(core.ErrInvalidParticipants, http.StatusBadRequest)
	app.router.MapStatus(core.ErrInvalidMessage, http.StatusBadRequest)
	app.router.MapStatus(core.ErrInvalidUser, http.StatusBadRequest)
	app.router.MapStatus(core.ErrNotParticipant, http.StatusForbidden)
	app.router.MapStatus(core.ErrUnauthorized, http.StatusForbidden)
	app.router.MapStatus(core.ErrUnauthenticated, http.StatusUnauthorized)
	app.router.MapStatus(core.ErrConflictedUser, http.StatusConflict)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	authMiddleware := core.JWTMiddleware(app.authStore)

	app.router.With(authMiddleware).Get("/ws", func(w http.ResponseWriter, r *http.Request) error {
		session := core.SessionFromRequest(r)
		// the upgrader has already written the error response
		if _, err := app.wsManager.Connect(session.UserID, session.Name, w, r); err != nil {
			app.logger.Warn(err.Error())
		}
		return nil
	})

	app.router.Route("/api", func(api *router.Router) {
		api.Route("/users", func(r *router.Router) {
			r.Post("/", app.userHandler.RegisterUserHandler)
			r.With(authMiddleware).Get("/", app.userHandler.GetUsersHandler)
			r.With(authMiddleware).Get("/me", app.userHandler.MeHandler)
			r.With(authMiddleware).Put("/me/public-key", app.userHandler.SetPublicKeyHandler)
			r.With(authMiddleware).Get("/{userID}", app.userHandler.GetUserHandler)
		})

		api.Route("/auth", func(r *router.Router) {
			r.Post("/signin", app.authHandler.SigninHandler)
			r.With(authMiddleware).Post("/signout", app.authHandler.SignoutHandler)
		})

		api.Group(func(r *router.Router) {
			r.Use(authMiddleware)
			r.Get("/messages", app.messageHandler.GetMessagesHandler)
			r.Post("/messages", app.messageHandler.SendMessageHandler)
			r.Post("/messages/read", app.messageHandler.MarkReadHandler)
			r.Get("/messages/unread", app.messageHandler.UnreadHandler)
			r.Post("/key-exchange", app.messageHandler.KeyExchangeHandler)
		})
	})
}

// Handler returns the root HTTP handler.
func (app *App) Handler() http.Handler {
	return app.router
}

// Subscriber returns the relay path subscriber, or nil when the relay is disabled.
func (app *App) Subscriber() core.Subscriber {
	return app.subscriber
}

// Start serves until the app context is cancelled or the server fails, then shuts down.
func (app *App) Start() error {
	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s:%d",
		app.config.Mode, app.config.Hostname, app.config.Port))

	errCh := make(chan error, 1)
	go func() {
		if app.config.TLS.Key != "" && app.config.TLS.Crt != "" {
			errCh <- app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			errCh <- app.server.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case <-app.context.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := app.Close(closeCtx); err != nil {
		app.logger.Error(fmt.Sprintf("app shutdown: %v", err))
		return errors.Join(serveErr, err)
	}
	app.logger.Info("app shutdown gracefully")
	return serveErr
}

// AddCleanupFunc registers a function run by Close. Functions run in reverse registration order.
func (app *App) AddCleanupFunc(f func(context.Context) error) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// Close releases every resource of the app.
func (app *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanupFuncs = nil
	return errors.Join(errs...)
}

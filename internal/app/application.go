package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"marketchat/internal/api"
	"marketchat/internal/config"
	"marketchat/internal/database"
	"marketchat/internal/hub"
	"marketchat/internal/registry"
	"marketchat/internal/session"
	"marketchat/internal/telemetry"
	"marketchat/internal/websocket"
	pkgdatabase "marketchat/pkg/database"
)

// Application coordinates all system components
type Application struct {
	config            *config.Config
	shutdownTelemetry telemetry.ShutdownFunc
	dbManager         *database.Manager
	validator         *session.Validator
	registry          *registry.Registry
	messageHub        *hub.Hub
	apiServer         *api.Server
	wsHandler         *websocket.Handler
	httpServer        *http.Server
	listener          net.Listener
}

// NewApplication creates a new application instance with all components initialized.
// Initialization order:
// Telemetry → Database → Session → Registry → Hub → WebSocket → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: tracing, so spans from every later component reach the exporter
	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// STEP 2: database manager and schema
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = shutdownTelemetry(context.Background())
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB())
	if err := migrationManager.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		_ = shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Println("Database migrations applied successfully")

	// STEP 3: session validator backed by the user directory
	validator, err := session.NewValidator(session.Config{
		Secret: []byte(cfg.Auth.TokenSecret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, dbManager)
	if err != nil {
		_ = dbManager.Close()
		_ = shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("failed to initialize session validator: %w", err)
	}
	if cfg.Auth.TokenSecret == config.DevTokenSecret {
		log.Printf("WARNING: using the development token secret; set MARKETCHAT_AUTH_TOKEN_SECRET in production")
	}

	// STEP 4: connection registry and room broker
	reg := registry.NewRegistry()
	messageHub := hub.NewHub(reg, dbManager, dbManager)

	// STEP 5: WebSocket handler
	wsHandler := websocket.NewHandler(messageHub, validator, dbManager, websocket.Config{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendBuffer:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		MaxMessageRunes: cfg.Chat.MaxMessageRunes,
		RateLimit:       cfg.Chat.RateLimit,
		RateBurst:       cfg.Chat.RateBurst,
		CookieName:      cfg.Auth.CookieName,
	})

	// STEP 6: HTTP API
	apiServer := api.NewServer(dbManager, dbManager, validator, messageHub, api.Config{
		CookieName:   cfg.Auth.CookieName,
		HistoryLimit: cfg.Chat.HistoryLimit,
	})

	// STEP 7: HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:            cfg,
		shutdownTelemetry: shutdownTelemetry,
		dbManager:         dbManager,
		validator:         validator,
		registry:          reg,
		messageHub:        messageHub,
		apiServer:         apiServer,
		wsHandler:         wsHandler,
		httpServer:        httpServer,
	}, nil
}

// Start starts the hub and binds the listener. Serving begins in Run.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting marketchat on %s", app.httpServer.Addr)

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener
	return nil
}

// Run serves until ctx is cancelled or the HTTP server fails, then shuts
// everything down within shutdownTimeout
func (app *Application) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("marketchat listening on %s", app.listener.Addr())
		if err := app.httpServer.Serve(app.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return app.Stop(stopCtx)
	})

	return g.Wait()
}

// Stop shuts down in reverse dependency order: HTTP → Hub → Database → Telemetry.
// Hub.Stop sends close 1001 to every live connection.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down marketchat")

	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		errs = append(errs, err)
	}

	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Message hub shutdown error: %v", err)
		errs = append(errs, err)
	}

	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
		errs = append(errs, err)
	}

	if err := app.shutdownTelemetry(ctx); err != nil {
		log.Printf("Telemetry shutdown error: %v", err)
		errs = append(errs, err)
	}

	log.Printf("marketchat shutdown complete")
	return errors.Join(errs...)
}

// Handler returns the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

// Validator returns the session validator, used to issue development tokens
func (app *Application) Validator() *session.Validator {
	return app.validator
}

// Database returns the database manager
func (app *Application) Database() *database.Manager {
	return app.dbManager
}

// GetAddr returns the configured listen address
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

// ListenAddr returns the bound address once Start has succeeded
func (app *Application) ListenAddr() net.Addr {
	if app.listener == nil {
		return nil
	}
	return app.listener.Addr()
}

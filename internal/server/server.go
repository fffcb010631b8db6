package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/anhhoan/roomchat/internal/router"
	"github.com/anhhoan/roomchat/internal/server/middleware"
	"github.com/anhhoan/roomchat/internal/upload"
	"github.com/anhhoan/roomchat/pkg/config"
	"github.com/anhhoan/roomchat/pkg/state/statemanager"
	"github.com/anhhoan/roomchat/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type App struct {
	logger       *slog.Logger
	stateManager *statemanager.InMemoryManager
	eventRouter  *router.EventRouter
	uploads      *upload.DiskStore
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	stateManager := statemanager.NewInMemoryManager(logger, cfg.Rooms.MaxHistory)
	eventRouter := router.NewEventRouter(logger, stateManager)
	uploads, err := upload.NewDiskStore(cfg.Upload, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		eventRouter:  eventRouter,
		uploads:      uploads,
		config:       cfg,
		ctx:          rootCtx,
	}

	common := []middleware.Middleware{
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		append(common, middleware.NewConnectionLimiter(
			logger,
			stateManager.ConnectionCountForIP,
			cfg.Server.ConnectionLimit,
		))...,
	))
	mux.Handle("POST /upload", middleware.Chain(http.HandlerFunc(app.uploadHandler), common...))
	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploads.Dir()))))

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app, nil
}

func (a *App) Run() error {
	go a.stateManager.RunJanitor(a.ctx, a.config.Rooms.SweepInterval, a.config.Rooms.EmptyGracePeriod)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var ip string
	if reqMeta != nil {
		ip = reqMeta.IP
	}
	connLogger := a.logger.With(slog.String("remoteAddr", ip))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	if _, err := a.stateManager.RegisterConnection(conn, ip); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	// Disconnect cleanup runs synchronously inside the close path, before the
	// connection is reaped, so no later event can see stale membership.
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.eventRouter.HandleDisconnect(id, err)
	})

	connLogger.Info("Connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// uploadHandler receives an image and responds with the URL a client puts in
// its next sendMessage. The message is only appended after the client has this
// URL in hand, so a failed upload never produces a broadcast.
func (a *App) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if a.config.Upload.MaxSizeBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.config.Upload.MaxSizeBytes+bodyOverhead)
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	url, err := a.uploads.Save(header.Filename, file)
	switch {
	case errors.Is(err, upload.ErrUnsupportedType):
		http.Error(w, "unsupported image type", http.StatusUnsupportedMediaType)
		return
	case errors.Is(err, upload.ErrTooLarge):
		http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		a.logger.Error("Failed to store upload", slog.Any("error", err))
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"imageUrl": url})
}

// bodyOverhead leaves room for multipart framing around the file itself.
const bodyOverhead = 64 << 10

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.stateManager.Connections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

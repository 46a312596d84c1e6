package types

import (
	"context"
	"net/http"
	"time"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/redis"
	"go.uber.org/zap"
)

type App struct {
	// Store is read-only from the admin API.
	Store db.Store

	// Redis Client (for WebSocket real-time events and manual triggers)
	RedisClient *redis.Client

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start serves HTTP until ctx is done.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if a.Store != nil {
		a.Logger.Info("closing database connection")
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

package controller

import (
	"context"
	"net/http"
	"time"
)

// HandleHealth reports whether the store answers.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"store": "ok"}
	code := http.StatusOK
	if err := c.App.Store.Ping(ctx); err != nil {
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if c.App.RedisClient != nil {
		status["redis"] = "ok"
		if err := c.App.RedisClient.Health(ctx); err != nil {
			status["redis"] = err.Error()
		}
	}
	writeJSON(w, code, status)
}

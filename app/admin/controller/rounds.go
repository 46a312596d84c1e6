package controller

import (
	"net/http"
	"time"

	"github.com/canopy-network/chainheights/app/admin/controller/types"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/redis"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleTriggerRound enqueues a manual run for the checker.
func (c *Controller) HandleTriggerRound(w http.ResponseWriter, r *http.Request) {
	kind := models.EventKind(mux.Vars(r)["kind"])
	switch kind {
	case models.EventHeightRound, models.EventPingRound, models.EventValidation:
	default:
		writeError(w, http.StatusBadRequest, "unknown round kind")
		return
	}
	if c.App.RedisClient == nil {
		writeError(w, http.StatusServiceUnavailable, "manual triggers not available (Redis disabled)")
		return
	}

	trigger := redis.Trigger{Kind: kind, RequestedBy: c.currentUser(r), RequestedAt: time.Now().UTC()}
	id, err := c.App.RedisClient.EnqueueTrigger(r.Context(), trigger)
	if err != nil {
		c.App.Logger.Error("enqueue trigger", zap.String("kind", string(kind)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "unable to enqueue trigger")
		return
	}
	c.App.Logger.Info("Manual trigger enqueued",
		zap.String("id", id),
		zap.String("kind", string(kind)),
		zap.String("requested_by", trigger.RequestedBy))
	writeJSON(w, http.StatusAccepted, types.TriggerResponse{ID: id, Kind: string(kind)})
}

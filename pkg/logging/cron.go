package logging

import "go.uber.org/zap"

// CronAdapter is a cron logger adapter for Zap.
type CronAdapter struct{ *zap.SugaredLogger }

// NewCronAdapter creates a new cron logger adapter from a Zap logger.
func NewCronAdapter(logger *zap.Logger) *CronAdapter {
	// cron passes keysAndValues pairs, so the sugared variant fits
	return &CronAdapter{logger.Named("cron").Sugar()}
}

func (c *CronAdapter) Info(msg string, keysAndValues ...interface{}) {
	c.Debugw(msg, keysAndValues...)
}

func (c *CronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	c.Errorw(msg, append(keysAndValues, "error", err)...)
}

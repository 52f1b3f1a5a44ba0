package database

import (
	"context"
	"time"
)

// HealthStatus describes database connectivity and pool usage at a point in
// time, for the dashboard and health endpoints.
type HealthStatus struct {
	Healthy    bool      `json:"healthy"`
	Error      string    `json:"error,omitempty"`
	Latency    string    `json:"latency"`
	OpenConns  int       `json:"openConns"`
	IdleConns  int       `json:"idleConns"`
	InUseConns int       `json:"inUseConns"`
	WaitCount  int64     `json:"waitCount"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Health pings the database and reports pool statistics.
func (c *Client) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := c.db.PingContext(ctx)
	stats := c.db.Stats()

	status := HealthStatus{
		Healthy:    err == nil,
		Latency:    time.Since(start).String(),
		OpenConns:  stats.OpenConnections,
		IdleConns:  stats.Idle,
		InUseConns: stats.InUse,
		WaitCount:  stats.WaitCount,
		CheckedAt:  time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

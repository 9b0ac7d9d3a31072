package gorm

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterscope/internal/db"
)

func TestAssessHealth(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		stats   sql.DBStats
		latency time.Duration
		pingErr error
		status  string
		ready   bool
	}{
		{
			name:    "healthy",
			stats:   sql.DBStats{MaxOpenConnections: 10, OpenConnections: 3, InUse: 1, Idle: 2},
			latency: time.Millisecond,
			status:  db.HealthStatusHealthy,
			ready:   true,
		},
		{
			name:    "pool saturated",
			stats:   sql.DBStats{MaxOpenConnections: 10, OpenConnections: 10, InUse: 9, Idle: 1},
			latency: time.Millisecond,
			status:  db.HealthStatusDegraded,
			ready:   true,
		},
		{
			name:    "slow ping",
			stats:   sql.DBStats{MaxOpenConnections: 10, OpenConnections: 1},
			latency: 200 * time.Millisecond,
			status:  db.HealthStatusDegraded,
			ready:   true,
		},
		{
			name:    "ping failed",
			stats:   sql.DBStats{MaxOpenConnections: 10},
			pingErr: errors.New("connection refused"),
			status:  db.HealthStatusUnhealthy,
			ready:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := assessHealth(tt.stats, tt.latency, tt.pingErr, now)
			assert.Equal(t, tt.status, info.Status)
			assert.Equal(t, tt.ready, info.Ready())
			assert.Equal(t, now, info.CheckedAt)
			require.NotNil(t, info.Pool)
			assert.Equal(t, tt.stats.InUse, info.Pool.InUse)
			if tt.pingErr != nil {
				assert.Equal(t, tt.pingErr.Error(), info.Error)
			}
			if tt.status == db.HealthStatusDegraded {
				assert.NotEmpty(t, info.Warning)
			}
		})
	}
}

func TestStore_HealthCheckServesCache(t *testing.T) {
	cached := &db.HealthInfo{Status: db.HealthStatusHealthy}
	s := &Store{
		cachedHealth:    cached,
		healthCacheTime: time.Now(),
		healthCacheTTL:  time.Minute,
	}
	assert.Same(t, cached, s.HealthCheck(t.Context()))
}

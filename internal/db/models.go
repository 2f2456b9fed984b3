package db

import (
	"time"

	"gorm.io/gorm"
)

// Container status values cached on an App record.
const (
	ContainerStatusNotFound = "not_found"
	ContainerStatusStopped  = "stopped"
	ContainerStatusRunning  = "running"
	ContainerStatusError    = "error"
)

// Health status values derived from the app's /health probe.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusUnknown   = "unknown"
)

// App is a third-party plugin service packaged as a container.
type App struct {
	gorm.Model
	AppID         string `gorm:"uniqueIndex"` // public identifier surfaced to the plugin
	Name          string
	Slug          string `gorm:"uniqueIndex"`
	ContainerName string `gorm:"uniqueIndex"`
	SourceType    string // "docker" for registry images; other kinds are not implemented
	SourceURL     string
	Version       string
	InternalPort  int
	WebhookPath   string
	WebhookSecret string
	APIKey        string
	// WebhookEvents, APIPermissions and EnvVars are JSON blobs, same
	// simplification as the deployment template storage.
	WebhookEvents   string
	APIPermissions  string
	EnvVars         string
	IsEnabled       bool
	ContainerStatus string
	HealthStatus    string
	LastHealthCheck *time.Time
}

// WebhookLog is the append-only audit trail of webhook delivery attempts.
// Rows may outlive their App and are only removed by the retention sweep.
type WebhookLog struct {
	gorm.Model
	AppID      uint `gorm:"index"`
	EventType  string
	Payload    string
	StatusCode *int
	Response   *string // truncated to 500 characters
	Success    bool
	LatencyMs  int64
}

// Connection is a configured node-backend endpoint. Exactly one connection
// is active at any time after bootstrap.
type Connection struct {
	gorm.Model
	Name     string `gorm:"uniqueIndex"`
	URL      string
	Password string `json:"-"`
	IsDocker bool // the designated local/default connection
	IsActive bool
	// Cached identity from the last successful probe.
	NodeID          string
	Chain           string
	LastConnectedAt *time.Time
}

// NodeInfo caches the active node's identity for env injection. Singleton.
type NodeInfo struct {
	gorm.Model
	NodeID  string
	Chain   string
	Version string
}

// Settings holds dashboard-wide settings, including the legacy
// single-connection configuration migrated at bootstrap. Singleton.
type Settings struct {
	gorm.Model
	DashboardName      string
	LegacyNodeURL      string
	LegacyNodePassword string
}

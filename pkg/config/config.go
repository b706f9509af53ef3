// Package config holds the compile-time defaults that the runtime
// configuration (pkg/server.LoadConfig) falls back to.
package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data"
	DefaultStorage      = "badger"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultTimezone     = "Local"
	ShutdownTimeout     = 10 * time.Second
)

// Writer defaults
const (
	DefaultWriterWorkers      = 10
	DefaultWriterQueueSize    = 1024
	DefaultWriterMaxRetries   = 3
	DefaultWriterRetryBackoff = 100 * time.Millisecond
)

// Maintenance defaults
const (
	DefaultPollInterval = 10 * time.Minute
	DefaultCooldown     = 60 * time.Second
	BadgerGCInterval    = 10 * time.Minute
)

// Request timeouts and limits
const (
	IngestTimeout      = 5 * time.Second
	QueryTimeout       = 30 * time.Second
	StatsTimeout       = 5 * time.Second
	QueryMaxRecords    = 100000
	DefaultUsageWindow = "today"
	MaxRequestBodySize = 64 << 10
)

// Export defaults and limits
const (
	DefaultExportWindow = 31 * 24 * time.Hour
	MaxExportWindow     = 366 * 24 * time.Hour
	ExportTimeout       = 30 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

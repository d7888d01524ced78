// relaybot/config/config.go
package config

import "time"

const (
	AppVersion = "1.2.0"

	// Invite link lifecycle
	RevokeGrace    = 10 * time.Second // slack added to the configured revoke window
	RevokeInterval = 30 * time.Second // minimum gap between link rotations
	TrackerTick    = 1 * time.Second  // background loop cadence

	// Quiz limits
	MaxAnswerHistoryLen = 200 // recorded wrong answers are truncated to this many runes

	// Defaults for environment-driven settings
	DefaultDBPath      = "./relaybot.db?_journal_mode=WAL&_foreign_keys=on"
	DefaultRedisAddr   = "localhost:6379"
	DefaultProblemFile = "./problems.json"
	DefaultOpsAddr     = ":8080"
	DefaultRevokeTime  = "50s"

	// Flood limiting defaults (per-user, private chat)
	DefaultFloodEvery  = "30s"
	DefaultFloodBurst  = 3
	DefaultFloodPrune  = "1h"
	DefaultFloodExpire = "24h"
)

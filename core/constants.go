package core

// Environment variable names of the fabric. Config.LoadFromEnv reads all of
// them except EnvAPIPort, which no code in this module reads.
const (
	EnvDataDir       = "FABRIC_DATA_DIR"
	EnvHTTPBind      = "FABRIC_HTTP_BIND"
	EnvAPIPort       = "FABRIC_API_PORT"
	EnvRedisURL      = "FABRIC_REDIS_URL"
	EnvLogLevel      = "FABRIC_LOG_LEVEL"
	EnvLogFormat     = "FABRIC_LOG_FORMAT"
	EnvDevMode       = "FABRIC_DEV_MODE"
	EnvOTELEndpoint  = "FABRIC_OTEL_ENDPOINT"
)

// DataDir subdirectory names, matching the persisted-state layout.
const (
	DataDirRegistry   = "registry"
	DataDirMasteries  = "masteries"
	DataDirMetricsDB  = "metrics.db"
	DataDirHistory    = "history"
	DataDirEvolver    = "evolver"
)

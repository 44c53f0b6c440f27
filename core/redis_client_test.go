package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		{"RegistryCache", RedisDBRegistryCache, "Registry Cache"},
		{"EvolverLock", RedisDBEvolverLock, "Evolver Lock"},
		{"ExecutionCache", RedisDBExecutionCache, "Execution Cache"},
		{"CircuitBreaker", RedisDBCircuitBreaker, "Circuit Breaker"},
		{"Metrics", RedisDBMetrics, "Metrics"},
		{"Telemetry", RedisDBTelemetry, "Telemetry"},
		{"LLMDebug", RedisDBLLMDebug, "LLM Debug"},

		{"Reserved8", RedisDBReserved8, "Reserved DB 8"},
		{"Reserved9", RedisDBReserved9, "Reserved DB 9"},
		{"Reserved15", RedisDBReserved15, "Reserved DB 15"},

		{"DB16", 16, "DB 16"},
		{"DB100", 100, "DB 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetRedisDBName(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsReservedDB(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected bool
	}{
		{"DB0", 0, false},
		{"DB6", 6, false},

		{"DB7", 7, true},
		{"DB8", 8, true},
		{"DB15", 15, true},

		{"DB16", 16, false},
		{"DB100", 100, false},
		{"NegativeDB", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsReservedDB(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRedisClientOptions_formatKey(t *testing.T) {
	rc := &RedisClient{namespace: "fabrikit:registry"}
	assert.Equal(t, "fabrikit:registry:summarizer@1.0.0", rc.formatKey("summarizer@1.0.0"))

	bare := &RedisClient{}
	assert.Equal(t, "summarizer@1.0.0", bare.formatKey("summarizer@1.0.0"))
}

func TestNewRedisClient_RequiresURL(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{DB: RedisDBRegistryCache})
	assert.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

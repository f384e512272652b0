package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port       string
	LogLevel   string
	DeviceMode string // "stub" or "mqtt"

	// MCU call budget
	CallTimeout      time.Duration
	RetryCount       int
	RetryDelay       time.Duration
	StubFailureRate  float64
	RequestTTL       time.Duration

	AdminOpenKey string
	JWTSecret    string

	OpenRPS   int
	OpenBurst int

	MQTT     MQTTConfig
	Postgres DBConfig

	RedisAddr     string
	RedisPassword string
}

type MQTTConfig struct {
	BrokerURL   string
	Username    string
	Password    string
	ClientID    string
	CmdTopic    string
	AckTopic    string
	StatusTopic string
	DiagTopic   string
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:            getEnv("GATE_SERVICE_PORT", "8094"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DeviceMode:      strings.ToLower(getEnv("GATE_DEVICE_MODE", "stub")),
		CallTimeout:     time.Duration(getEnvInt("MCU_TIMEOUT_MS", 5000)) * time.Millisecond,
		RetryCount:      getEnvInt("MCU_RETRY_COUNT", 1),
		RetryDelay:      time.Duration(getEnvInt("MCU_RETRY_DELAY_MS", 250)) * time.Millisecond,
		StubFailureRate: getEnvFloat("STUB_FAILURE_RATE", 0.05),
		RequestTTL:      time.Duration(getEnvInt("GATE_REQUEST_TTL_SECONDS", 30)) * time.Second,
		AdminOpenKey:    os.Getenv("ADMIN_OPEN_KEY"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		OpenRPS:         getEnvInt("GATE_OPEN_RPS", 1),
		OpenBurst:       getEnvInt("GATE_OPEN_BURST", 3),
		MQTT: MQTTConfig{
			BrokerURL:   getEnv("MQTT_BROKER_URL", "mqtt://localhost:1883"),
			Username:    getEnv("MQTT_USERNAME", "pgr_server"),
			Password:    os.Getenv("MQTT_PASSWORD"),
			ClientID:    getEnv("MQTT_CLIENT_ID", ""),
			CmdTopic:    getEnv("MQTT_CMD_TOPIC", "pgr/mitspe6/gate/cmd"),
			AckTopic:    getEnv("MQTT_ACK_TOPIC", "pgr/mitspe6/gate/ack"),
			StatusTopic: getEnv("MQTT_STATUS_TOPIC", "pgr/mitspe6/gate/status"),
			DiagTopic:   getEnv("MQTT_DIAG_TOPIC", "pgr/mitspe6/gate/diagnostics"),
		},
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}

	slog.Info("gate-service config loaded",
		"port", cfg.Port,
		"device_mode", cfg.DeviceMode,
		"mqtt", cfg.MQTT.BrokerURL,
		"cmd_topic", cfg.MQTT.CmdTopic,
		"timeout_ms", cfg.CallTimeout.Milliseconds(),
		"retry_count", cfg.RetryCount)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env, using default", "key", k, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env, using default", "key", k, "value", v, "default", def)
		return def
	}
	return f
}

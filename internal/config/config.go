// Package config loads the coordinator's runtime configuration from
// the environment, following the teacher's main.go pattern: optional
// .env file via godotenv, then plain os.Getenv reads with defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is every env-var-driven knob the coordinator needs, grouped
// by the component that consumes it.
type Config struct {
	LogLevel string

	PVBaseAddress string

	MaxBatteryEnergyWh uint16
	EmptyThresholdPct  uint8

	DatabaseURL          string
	DatabaseUser         string
	DatabasePassword     string
	DBMaxConnections     int32
	DBHealthCheckTimeout time.Duration
	DBMaxFailures        int

	SQLiteCachePath string
	CacheSyncBatch  int
	MaxCacheSizeMB  int
	CacheCleanup    time.Duration

	MQTTURL             string
	MQTTUser            string
	MQTTPassword        string
	MQTTDiscoveryPrefix string
	MQTTBirthTopic      string
	MQTTBirthPayload    string
	MQTTLastWillTopic   string
	MQTTLastWillPayload string
	MQTTClientIDPrefix  string
	MQTTKeepAlive       time.Duration
	MQTTQoS             byte
}

// Load reads .env (if present, warning but not failing when absent)
// and then every recognized key, applying the defaults from spec.md
// §6.4. PV_BASEADDRESS, DATABASE_URL, and MQTT_URL have no sane
// default and are returned as errors if unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: Warning: Error loading .env file: %v\n", err)
	}

	cfg := Config{
		LogLevel: getString("LOG_LEVEL", "info"),

		PVBaseAddress: os.Getenv("PV_BASEADDRESS"),

		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DatabaseUser:     os.Getenv("DATABASE_USER"),
		DatabasePassword: os.Getenv("DATABASE_PW"),

		SQLiteCachePath: getString("SQLITE_CACHE_PATH", "data/cache.db"),

		MQTTURL:             os.Getenv("MQTT_URL"),
		MQTTUser:            os.Getenv("MQTT_USER"),
		MQTTPassword:        os.Getenv("MQTT_PW"),
		MQTTDiscoveryPrefix: getString("MQTT_DISCOVERY_PREFIX", "hass"),
		MQTTBirthTopic:      os.Getenv("MQTT_BIRTH_TOPIC"),
		MQTTBirthPayload:    os.Getenv("MQTT_BIRTH_PAYLOAD"),
		MQTTLastWillTopic:   os.Getenv("MQTT_LAST_WILL_TOPIC"),
		MQTTLastWillPayload: os.Getenv("MQTT_LAST_WILL_PAYLOAD"),
		MQTTClientIDPrefix:  getString("MQTT_CLIENT_ID_PREFIX", "pvcoordinator"),
	}

	if cfg.PVBaseAddress == "" {
		return cfg, fmt.Errorf("config: PV_BASEADDRESS must be set")
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("config: DATABASE_URL must be set")
	}
	if cfg.MQTTURL == "" {
		return cfg, fmt.Errorf("config: MQTT_URL must be set")
	}

	maxBatteryEnergy, err := getUint16("MAX_BATTERY_ENERGY", 10000)
	if err != nil {
		return cfg, err
	}
	cfg.MaxBatteryEnergyWh = maxBatteryEnergy

	emptyThreshold, err := getUint8("EMPTY_THRESHOLD", 10)
	if err != nil {
		return cfg, err
	}
	cfg.EmptyThresholdPct = emptyThreshold

	dbMaxConns, err := getInt("DB_MAX_CONNECTIONS", 10)
	if err != nil {
		return cfg, err
	}
	cfg.DBMaxConnections = int32(dbMaxConns)

	dbHealthTimeout, err := getInt("DB_HEALTH_CHECK_TIMEOUT", 10)
	if err != nil {
		return cfg, err
	}
	cfg.DBHealthCheckTimeout = time.Duration(dbHealthTimeout) * time.Second

	dbMaxFailures, err := getInt("DB_MAX_FAILURES", 3)
	if err != nil {
		return cfg, err
	}
	cfg.DBMaxFailures = dbMaxFailures

	cacheSyncBatch, err := getInt("CACHE_SYNC_BATCH_SIZE", 1000)
	if err != nil {
		return cfg, err
	}
	cfg.CacheSyncBatch = cacheSyncBatch

	maxCacheSizeMB, err := getInt("MAX_CACHE_SIZE_MB", 100)
	if err != nil {
		return cfg, err
	}
	cfg.MaxCacheSizeMB = maxCacheSizeMB

	cacheCleanupDays, err := getInt("CACHE_CLEANUP_DAYS", 7)
	if err != nil {
		return cfg, err
	}
	cfg.CacheCleanup = time.Duration(cacheCleanupDays) * 24 * time.Hour

	mqttKeepAlive, err := getInt("MQTT_KEEP_ALIVE_SECS", 60)
	if err != nil {
		return cfg, err
	}
	cfg.MQTTKeepAlive = time.Duration(mqttKeepAlive) * time.Second

	mqttQoS, err := getInt("MQTT_QOS_LEVEL", 1)
	if err != nil {
		return cfg, err
	}
	cfg.MQTTQoS = byte(mqttQoS)

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getUint16(key string, def uint16) (uint16, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an unsigned 16-bit integer: %w", key, err)
	}
	return uint16(n), nil
}

func getUint8(key string, def uint8) (uint8, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an unsigned 8-bit integer: %w", key, err)
	}
	return uint8(n), nil
}

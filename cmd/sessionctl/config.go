package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SESSIONCTL"

// config keys
const (
	keyDebug       = "debug"
	keyDemo        = "demo"
	keyBaseURL     = "baseURL"
	keyTimeout     = "timeout"
	keyStorage     = "storage"
	keyDSN         = "dsn"
	keyNamespace   = "namespace"
	keyRedisAddr   = "redisAddr"
	keyRedisPrefix = "redisPrefix"
	keyRedisTTL    = "redisTTL"
	keySigningKey  = "signingKey"
	keyJWKSURL     = "jwksURL"
	keyElevation   = "adminElevation"
	keySubmitRate  = "submitRate"
)

// storage kinds
const (
	storageMemory = "memory"
	storageSQLite = "sqlite"
	storageRedis  = "redis"
)

func loadConfig(dotEnvPath string) (*viper.Viper, error) {
	conf := viper.New()

	conf.SetTypeByDefaultValue(true)
	conf.SetDefault(keyDebug, false)
	conf.SetDefault(keyDemo, false)
	conf.SetDefault(keyBaseURL, "http://localhost:8080")
	conf.SetDefault(keyTimeout, 5*time.Second)
	conf.SetDefault(keyStorage, storageSQLite)
	conf.SetDefault(keyDSN, "file:sessionctl.db?cache=shared")
	conf.SetDefault(keyNamespace, "sessionctl")
	conf.SetDefault(keyRedisAddr, "localhost:6379")
	conf.SetDefault(keyRedisPrefix, "sessionctl")
	conf.SetDefault(keyRedisTTL, 24*time.Hour)
	conf.SetDefault(keySigningKey, "")
	conf.SetDefault(keyJWKSURL, "")
	conf.SetDefault(keyElevation, true)
	conf.SetDefault(keySubmitRate, 0.0)

	conf.SetEnvPrefix(envPrefix)

	// load .env if it exists (ignore if it does not)
	if dotEnvPath != "" {
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				return nil, fmt.Errorf("config.godotenv(%s): %w", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config.os.Stat(%s): %w", dotEnvPath, err)
		}
	}
	conf.AutomaticEnv()

	switch kind := conf.GetString(keyStorage); kind {
	case storageMemory, storageSQLite, storageRedis:
	default:
		return nil, fmt.Errorf("unknown storage %q, want memory, sqlite or redis", kind)
	}

	return conf, nil
}

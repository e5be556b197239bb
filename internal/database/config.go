package database

import (
	"time"

	"github.com/bardlex/scavenger/internal/config"
	"github.com/bardlex/scavenger/internal/database/influx"
	"github.com/bardlex/scavenger/internal/database/redis"
	"github.com/bardlex/scavenger/internal/database/sqlstore"
)

// NewConfig builds the storage configuration for a service. Redis and
// InfluxDB are enabled only when their address is set.
func NewConfig(cfg *config.Config) *Config {
	dbCfg := &Config{
		Store: &sqlstore.Config{
			Driver:       cfg.StoreDriver,
			DSN:          cfg.StoreDSN,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  time.Hour,
		},
	}

	if cfg.RedisAddr != "" {
		dbCfg.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}

	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	return dbCfg
}

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken     string        `env:"TOKEN"`
		LogLevel             int           `env:"LOG_LEVEL,default=4"`
		DotPath              string        `env:"DOT_PATH,default=~/.ngmod"`
		DBFile               string        `env:"DB_FILE,default=ngmod.db"`
		MetricsAddr          string        `env:"METRICS_ADDR,default=:2112"`
		EnabledHandlers      []string      `env:"HANDLERS,default=moderation,voting,reports,hashes"`
		HousekeepingInterval time.Duration `env:"HOUSEKEEPING_INTERVAL,default=15s"`
		Detection            Detection
		Voting               Voting
		RateStore            RateStore
		Platform             Platform
	}

	Detection struct {
		Sensitivity             string        `env:"SENSITIVITY,default=medium"`
		VolumeAction            string        `env:"VOLUME_ACTION,default=delete"`
		RepetitionAction        string        `env:"REPETITION_ACTION,default=delete"`
		LinkInjectionAction     string        `env:"LINK_INJECTION_ACTION,default=delete"`
		EditAction              string        `env:"EDIT_ACTION,default=delete"`
		EditSimilarityThreshold float64       `env:"EDIT_SIMILARITY_THRESHOLD,default=0.3"`
		HashMaxDistance         int           `env:"HASH_MAX_DISTANCE,default=5"`
		PatternLanguages        []string      `env:"PATTERN_LANGUAGES,default=*"`
		TemplatesTTL            time.Duration `env:"TEMPLATES_TTL,default=5m"`
		TemplatesFile           string        `env:"TEMPLATES_FILE"`
		SnapshotRetention       time.Duration `env:"SNAPSHOT_RETENTION,default=24h"`
	}

	Voting struct {
		MinVoters           int           `env:"VOTING_MIN_VOTERS,default=3"`
		MaxVoters           int           `env:"VOTING_MAX_VOTERS,default=10"`
		MinVotersPercentage float64       `env:"VOTING_MIN_VOTERS_PERCENTAGE,default=5"`
		Timeout             time.Duration `env:"VOTING_TIMEOUT,default=10m"`
		ActionType          string        `env:"VOTING_ACTION,default=ban"`
	}

	RateStore struct {
		Backend  string `env:"RATE_STORE,default=memory"`
		RedisURL string `env:"RATE_REDIS_URL,default=redis://localhost:6379/0"`
	}

	Platform struct {
		RequestsPerSecond  float64 `env:"PLATFORM_RPS,default=25"`
		LogChannelUsername string  `env:"REVIEW_LOG_CHANNEL"`
		DispatcherWorkers  int     `env:"DISPATCHER_WORKERS,default=16"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

// Load reads NG_-prefixed environment variables once per process.
func Load() (Config, error) {
	once.Do(func() {
		cfg, err := LoadWith(context.Background(), envconfig.OsLookuper())
		if err != nil {
			globalErr = err
			return
		}
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

// LoadWith processes the configuration from an arbitrary lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	envcfg := envconfig.Config{
		Lookuper: envconfig.PrefixLookuper("NG_", lookuper),
		Target:   cfg,
	}
	if err := envconfig.ProcessWith(ctx, &envcfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	dotPath, err := homedir.Expand(cfg.DotPath)
	if err != nil {
		return nil, fmt.Errorf("expand dot path: %w", err)
	}
	cfg.DotPath = dotPath
	return cfg, nil
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

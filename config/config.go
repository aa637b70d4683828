// Package config loads call engine settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/lifecycle"
)

// Environment variables read by Load.
const (
	EnvICEServersJSON  = "CALLSIGNAL_ICE_SERVERS_JSON"
	EnvSTUNURLs        = "CALLSIGNAL_STUN_URLS"
	EnvTURNURLs        = "CALLSIGNAL_TURN_URLS"
	EnvTURNUsername    = "CALLSIGNAL_TURN_USERNAME"
	EnvTURNCredential  = "CALLSIGNAL_TURN_CREDENTIAL"
	EnvDeleteGrace     = "CALLSIGNAL_DELETE_GRACE"
	EnvRingingTimeout  = "CALLSIGNAL_RINGING_TIMEOUT"
	EnvVideoWidth      = "CALLSIGNAL_VIDEO_WIDTH"
	EnvVideoHeight     = "CALLSIGNAL_VIDEO_HEIGHT"
	EnvCollection      = "CALLSIGNAL_COLLECTION"
	EnvMongoDBURI      = "CALLSIGNAL_MONGODB_URI"
	EnvMongoDBDatabase = "CALLSIGNAL_MONGODB_DATABASE"
	EnvStoreRetries    = "CALLSIGNAL_STORE_RETRIES"
	EnvStoreBackoff    = "CALLSIGNAL_STORE_BACKOFF"
	EnvStoreMaxBackoff = "CALLSIGNAL_STORE_MAX_BACKOFF"
	EnvRecordTTL       = "CALLSIGNAL_RECORD_TTL"
)

// DefaultRecordTTL bounds how long any call document may outlive its creation.
const DefaultRecordTTL = 24 * time.Hour

// Config holds everything needed to run calls.
type Config struct {
	ICEServers     []webrtc.ICEServer
	DeleteGrace    time.Duration
	RingingTimeout time.Duration
	VideoWidth     int
	VideoHeight    int
	Collection     string

	// MongoDBURI selects the MongoDB store. When empty an in-process store is used.
	MongoDBURI      string
	MongoDBDatabase string

	// RecordTTL expires documents by createdAt, collecting calls whose owner
	// never deleted them.
	RecordTTL time.Duration

	StoreRetries    int
	StoreBackoff    time.Duration
	StoreMaxBackoff time.Duration
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
			{URLs: []string{"stun:stun2.l.google.com:19302"}},
		},
		DeleteGrace:     lifecycle.DefaultDeleteGrace,
		RingingTimeout:  lifecycle.DefaultRingingTimeout,
		VideoWidth:      1280,
		VideoHeight:     720,
		Collection:      lifecycle.DefaultCollection,
		MongoDBDatabase: "callsignal",
		RecordTTL:       DefaultRecordTTL,
		StoreRetries:    lifecycle.DefaultStoreRetry.Attempts,
		StoreBackoff:    lifecycle.DefaultStoreRetry.InitialBackoff,
		StoreMaxBackoff: lifecycle.DefaultStoreRetry.MaxBackoff,
	}
}

// Load reads envFile, if it exists, into the environment without overriding
// variables already set, then applies the environment on top of Default.
// An empty envFile means ".env".
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return Config{}, errors.Wrapf(err, "error loading %s", envFile)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv applies the variables returned by lookup on top of Default.
func FromEnv(lookup func(key string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	iceServers, err := parseICEServers(
		get(EnvICEServersJSON),
		get(EnvSTUNURLs),
		get(EnvTURNURLs),
		get(EnvTURNUsername),
		get(EnvTURNCredential),
	)
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) > 0 {
		cfg.ICEServers = iceServers
	}

	var errs error
	durationVar := func(key string, dst *time.Duration) {
		if raw := get(key); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = d
		}
	}
	intVar := func(key string, dst *int) {
		if raw := get(key); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "%s", key))
				return
			}
			*dst = n
		}
	}
	stringVar := func(key string, dst *string) {
		if raw := get(key); raw != "" {
			*dst = raw
		}
	}

	durationVar(EnvDeleteGrace, &cfg.DeleteGrace)
	durationVar(EnvRingingTimeout, &cfg.RingingTimeout)
	intVar(EnvVideoWidth, &cfg.VideoWidth)
	intVar(EnvVideoHeight, &cfg.VideoHeight)
	stringVar(EnvCollection, &cfg.Collection)
	stringVar(EnvMongoDBURI, &cfg.MongoDBURI)
	stringVar(EnvMongoDBDatabase, &cfg.MongoDBDatabase)
	intVar(EnvStoreRetries, &cfg.StoreRetries)
	durationVar(EnvStoreBackoff, &cfg.StoreBackoff)
	durationVar(EnvStoreMaxBackoff, &cfg.StoreMaxBackoff)
	durationVar(EnvRecordTTL, &cfg.RecordTTL)
	if errs != nil {
		return Config{}, errs
	}
	return cfg, nil
}

// Validate checks that the configuration can run calls.
func (cfg Config) Validate() error {
	var errs error
	if len(cfg.ICEServers) == 0 {
		errs = multierr.Append(errs, errors.New("at least one ICE server is required"))
	}
	for i, server := range cfg.ICEServers {
		if err := validateICEServer(server); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "ice server %d", i))
		}
	}
	for name, d := range map[string]time.Duration{
		"delete grace":      cfg.DeleteGrace,
		"ringing timeout":   cfg.RingingTimeout,
		"store backoff":     cfg.StoreBackoff,
		"store max backoff": cfg.StoreMaxBackoff,
		"record ttl":        cfg.RecordTTL,
	} {
		if d <= 0 {
			errs = multierr.Append(errs, errors.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if cfg.VideoWidth <= 0 || cfg.VideoHeight <= 0 {
		errs = multierr.Append(errs, errors.Errorf("invalid video size %dx%d", cfg.VideoWidth, cfg.VideoHeight))
	}
	if cfg.Collection == "" {
		errs = multierr.Append(errs, errors.New("collection is required"))
	}
	if cfg.RecordTTL > 0 && cfg.RecordTTL <= cfg.RingingTimeout {
		errs = multierr.Append(errs, errors.Errorf("record ttl %s must exceed the ringing timeout %s", cfg.RecordTTL, cfg.RingingTimeout))
	}
	if cfg.StoreRetries < 1 {
		errs = multierr.Append(errs, errors.Errorf("store retries must be at least 1, got %d", cfg.StoreRetries))
	}
	return errs
}

// StoreRetry returns the retry policy for store writes.
func (cfg Config) StoreRetry() callsignal.RetryOptions {
	return callsignal.RetryOptions{
		Attempts:       cfg.StoreRetries,
		InitialBackoff: cfg.StoreBackoff,
		MaxBackoff:     cfg.StoreMaxBackoff,
	}
}

// LifecycleOptions returns the controller options for cfg.
func (cfg Config) LifecycleOptions() lifecycle.Options {
	return lifecycle.Options{
		Collection:     cfg.Collection,
		ICEServers:     cfg.ICEServers,
		DeleteGrace:    cfg.DeleteGrace,
		RingingTimeout: cfg.RingingTimeout,
		StoreRetry:     cfg.StoreRetry(),
	}
}

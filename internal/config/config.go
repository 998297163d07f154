package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	TCP        TCPConfig        `koanf:"tcp"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Cache      CacheConfig      `koanf:"cache"`
	Roughness  RoughnessConfig  `koanf:"roughness"`
	Detector   DetectorConfig   `koanf:"detector"`
	Aggregator AggregatorConfig `koanf:"aggregator"`
	Kafka      KafkaConfig      `koanf:"kafka"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type TCPConfig struct {
	Port          int `koanf:"port"`
	FrameCapBytes int `koanf:"frame_cap_bytes"`
	IdleTimeoutMs int `koanf:"idle_timeout_ms"`
	IngestWorkers int `koanf:"ingest_workers"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type IngestConfig struct {
	StoreRaw    bool   `koanf:"store_raw"`
	CompressRaw bool   `koanf:"compress_raw"`
	LoadInputID uint16 `koanf:"load_input_id"`
	MaxSkewMs   int64  `koanf:"max_clock_skew_ms"`
}

type CacheConfig struct {
	DeviceTTLMs         int     `koanf:"device_ttl_ms"`
	DeviceNegativeTTLMs int     `koanf:"device_negative_ttl_ms"`
	DeviceMax           int     `koanf:"device_max"`
	SegmentMax          int     `koanf:"segment_max"`
	SegmentProximityM   float64 `koanf:"segment_proximity_m"`
}

type RoughnessConfig struct {
	MediumMg            float64 `koanf:"medium_mg"`
	HighMg              float64 `koanf:"high_mg"`
	CriticalMg          float64 `koanf:"critical_mg"`
	IRIGood             float64 `koanf:"iri_good"`
	IRIFair             float64 `koanf:"iri_fair"`
	IRIPoor             float64 `koanf:"iri_poor"`
	IRIK                float64 `koanf:"iri_k"`
	IRISpeedBaselineKmh float64 `koanf:"iri_speed_baseline_kmh"`
}

type DetectorConfig struct {
	Batch      int `koanf:"batch"`
	IntervalMs int `koanf:"interval_ms"`
}

type AggregatorConfig struct {
	Hour     int    `koanf:"hour"`
	Timezone string `koanf:"timezone"`
}

type KafkaConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// Load reads the optional YAML file at path, overlays environment variables
// (FLEET_INGESTER_TCP__PORT -> tcp.port) and applies defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("FLEET_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "FLEET_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "fleet-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		TCP: TCPConfig{
			Port:          5027,
			FrameCapBytes: 1 << 20,
			IdleTimeoutMs: 300_000,
			IngestWorkers: 16,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Ingest: IngestConfig{
			StoreRaw:    true,
			CompressRaw: true,
			LoadInputID: 1,
			MaxSkewMs:   60_000,
		},
		Cache: CacheConfig{
			DeviceTTLMs:         300_000,
			DeviceNegativeTTLMs: 30_000,
			DeviceMax:           10_000,
			SegmentMax:          1000,
			SegmentProximityM:   50,
		},
		Roughness: RoughnessConfig{
			MediumMg:            2000,
			HighMg:              2500,
			CriticalMg:          3500,
			IRIGood:             2.5,
			IRIFair:             4,
			IRIPoor:             6,
			IRIK:                15.0,
			IRISpeedBaselineKmh: 30,
		},
		Detector: DetectorConfig{
			Batch:      1000,
			IntervalMs: 900_000,
		},
		Aggregator: AggregatorConfig{
			Hour:     2,
			Timezone: "UTC",
		},
		Kafka: KafkaConfig{
			Topic:    "roughness.events",
			ClientID: "fleet-ingester",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.TCP.Port <= 0 || c.TCP.Port > 65535 {
		return fmt.Errorf("config: tcp.port must be in 1..65535 (got %d)", c.TCP.Port)
	}
	if c.TCP.FrameCapBytes <= 0 {
		return fmt.Errorf("config: tcp.frame_cap_bytes must be > 0 (got %d)", c.TCP.FrameCapBytes)
	}
	if c.TCP.IdleTimeoutMs <= 0 {
		return fmt.Errorf("config: tcp.idle_timeout_ms must be > 0 (got %d)", c.TCP.IdleTimeoutMs)
	}
	if c.TCP.IngestWorkers <= 0 {
		return fmt.Errorf("config: tcp.ingest_workers must be > 0 (got %d)", c.TCP.IngestWorkers)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Cache.DeviceTTLMs <= 0 || c.Cache.DeviceMax <= 0 {
		return fmt.Errorf("config: cache.device_ttl_ms and cache.device_max must be > 0")
	}
	if c.Cache.DeviceNegativeTTLMs <= 0 || c.Cache.DeviceNegativeTTLMs > 30_000 {
		return fmt.Errorf("config: cache.device_negative_ttl_ms must be in 1..30000 (got %d)", c.Cache.DeviceNegativeTTLMs)
	}
	if c.Cache.SegmentMax <= 0 || c.Cache.SegmentProximityM <= 0 {
		return fmt.Errorf("config: cache.segment_max and cache.segment_proximity_m must be > 0")
	}
	if !(c.Roughness.MediumMg < c.Roughness.HighMg && c.Roughness.HighMg < c.Roughness.CriticalMg) {
		return fmt.Errorf("config: roughness thresholds must be ordered medium < high < critical")
	}
	if !(c.Roughness.IRIGood < c.Roughness.IRIFair && c.Roughness.IRIFair < c.Roughness.IRIPoor) {
		return fmt.Errorf("config: iri category thresholds must be ordered good < fair < poor")
	}
	if c.Roughness.IRIK <= 0 || c.Roughness.IRISpeedBaselineKmh <= 0 {
		return fmt.Errorf("config: roughness.iri_k and roughness.iri_speed_baseline_kmh must be > 0")
	}
	if c.Detector.Batch <= 0 {
		return fmt.Errorf("config: detector.batch must be > 0 (got %d)", c.Detector.Batch)
	}
	if c.Detector.IntervalMs <= 0 {
		return fmt.Errorf("config: detector.interval_ms must be > 0 (got %d)", c.Detector.IntervalMs)
	}
	if c.Aggregator.Hour < 0 || c.Aggregator.Hour > 23 {
		return fmt.Errorf("config: aggregator.hour must be in 0..23 (got %d)", c.Aggregator.Hour)
	}
	if _, err := time.LoadLocation(c.Aggregator.Timezone); err != nil {
		return fmt.Errorf("config: aggregator.timezone is invalid: %w", err)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required when kafka.enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("config: kafka.topic is required when kafka.enabled")
		}
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}

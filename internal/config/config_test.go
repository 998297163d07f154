package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		TCP: TCPConfig{
			Port:          5027,
			FrameCapBytes: 1 << 20,
			IdleTimeoutMs: 300_000,
			IngestWorkers: 4,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Ingest: IngestConfig{LoadInputID: 1},
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
			IRIK:                15,
			IRISpeedBaselineKmh: 30,
		},
		Detector:   DetectorConfig{Batch: 1000, IntervalMs: 900_000},
		Aggregator: AggregatorConfig{Hour: 2, Timezone: "UTC"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := validConfig()
	cfg.TCP.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for port 0")
	}
	cfg.TCP.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_FrameCapZero(t *testing.T) {
	cfg := validConfig()
	cfg.TCP.FrameCapBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for frame_cap_bytes = 0")
	}
}

func TestValidate_NegativeTTLCapped(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.DeviceNegativeTTLMs = 60_000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative-cache TTL above 30s")
	}
}

func TestValidate_UnorderedThresholds(t *testing.T) {
	cfg := validConfig()
	cfg.Roughness.HighMg = 1500
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unordered roughness thresholds")
	}
}

func TestValidate_UnorderedIRICategories(t *testing.T) {
	cfg := validConfig()
	cfg.Roughness.IRIFair = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unordered iri thresholds")
	}
}

func TestValidate_AggregatorHour(t *testing.T) {
	cfg := validConfig()
	cfg.Aggregator.Hour = 24
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for hour 24")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Aggregator.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_KafkaEnabledNeedsBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = "roughness.events"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for kafka enabled without brokers")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
postgres:
  dsn: "postgres://localhost/fleet"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeMinimalYAML(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TCP.Port != 5027 {
		t.Errorf("expected default port 5027, got %d", cfg.TCP.Port)
	}
	if cfg.TCP.FrameCapBytes != 1<<20 {
		t.Errorf("expected default frame cap 1MiB, got %d", cfg.TCP.FrameCapBytes)
	}
	if cfg.Detector.Batch != 1000 || cfg.Detector.IntervalMs != 900_000 {
		t.Errorf("unexpected detector defaults: %+v", cfg.Detector)
	}
	if cfg.Roughness.CriticalMg != 3500 {
		t.Errorf("expected critical threshold 3500, got %v", cfg.Roughness.CriticalMg)
	}
	if cfg.Kafka.Enabled {
		t.Error("kafka must default to disabled")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("FLEET_INGESTER_TCP__PORT", "6027")
	t.Setenv("FLEET_INGESTER_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TCP.Port != 6027 {
		t.Errorf("expected port from env, got %d", cfg.TCP.Port)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_NoDSNFails(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when no DSN is configured")
	}
}

func TestLoad_CommaSeparatedBrokers(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("FLEET_INGESTER_KAFKA__ENABLED", "true")
	t.Setenv("FLEET_INGESTER_KAFKA__BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected split brokers, got %v", cfg.Kafka.Brokers)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.Driver != DriverMemory || cfg.Broker.Exchange != "my-events" || cfg.Broker.Prefetch != 2 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
http:
  addr: ":9090"
ledger:
  driver: redis
  redisAddr: "redis:6379"
engine:
  lockTimeout: 750ms
  publishAttempts: 5
broker:
  driver: kafka
  kafkaBrokers: ["k1:9092", "k2:9092"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Ledger.Driver != DriverRedis || cfg.Ledger.RedisAddr != "redis:6379" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Engine.LockTimeout != 750*time.Millisecond || cfg.Engine.PublishAttempts != 5 {
		t.Errorf("unexpected engine config %+v", cfg.Engine)
	}
	if len(cfg.Broker.KafkaBrokers) != 2 {
		t.Errorf("unexpected brokers %v", cfg.Broker.KafkaBrokers)
	}
	// Untouched keys keep their defaults.
	if cfg.GRPC.Addr != ":50051" || cfg.Engine.PublishBackoff != 100*time.Millisecond {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"HTTP_ADDR":      ":1234",
		"LEDGER_DRIVER":  "mysql",
		"MYSQL_DSN":      "u:p@tcp(db:3306)/carts",
		"KAFKA_BROKERS":  "a:9092, b:9092,",
		"BROKER_DRIVER":  "rabbitmq",
		"STORAGE_DRIVER": "mysql",
	}
	cfg.applyEnv(func(k string) string { return env[k] })

	if cfg.HTTP.Addr != ":1234" || cfg.Ledger.Driver != DriverMySQL || cfg.Storage.Driver != DriverMySQL {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Storage.MySQLDSN != "u:p@tcp(db:3306)/carts" {
		t.Errorf("unexpected dsn %s", cfg.Storage.MySQLDSN)
	}
	if len(cfg.Broker.KafkaBrokers) != 2 || cfg.Broker.KafkaBrokers[1] != "b:9092" {
		t.Errorf("unexpected brokers %v", cfg.Broker.KafkaBrokers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Ledger.Driver = "etcd"
	cfg.Broker.Driver = "nats"
	cfg.Engine.PublishAttempts = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"etcd", "nats", "publishAttempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("engine: [unclosed"), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

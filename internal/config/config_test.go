package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.Interval != 20*time.Second {
		t.Errorf("poll interval = %v, want 20s", cfg.Poll.Interval)
	}
	if cfg.Poll.Window != 11*time.Minute {
		t.Errorf("poll window = %v, want 11m", cfg.Poll.Window)
	}
	if cfg.DB.RetryAttempts != 5 || cfg.DB.RetryBase != 100*time.Millisecond {
		t.Errorf("retry = %d/%v, want 5/100ms", cfg.DB.RetryAttempts, cfg.DB.RetryBase)
	}
	if cfg.Gateway.Provider != "yookassa" {
		t.Errorf("provider = %q, want yookassa", cfg.Gateway.Provider)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("brokers = %v, want none", cfg.Kafka.Brokers)
	}
	if cfg.Reminder.Lead != 72*time.Hour || cfg.Reminder.Interval != time.Hour {
		t.Errorf("reminder = %v/%v, want 72h/1h", cfg.Reminder.Lead, cfg.Reminder.Interval)
	}
	if cfg.Backup.Interval != 0 || cfg.Backup.Retention != 30*24*time.Hour {
		t.Errorf("backup = %v/%v, want 0/720h", cfg.Backup.Interval, cfg.Backup.Retention)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VPNSHOP_HTTP_PORT", "9090")
	t.Setenv("VPNSHOP_POLL_INTERVAL", "5s")
	t.Setenv("VPNSHOP_POLL_WINDOW", "1m")
	t.Setenv("VPNSHOP_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("VPNSHOP_GATEWAY_PROVIDER", "Stripe")
	t.Setenv("VPNSHOP_BACKUP_BUCKET", "vpnshop-backups")
	t.Setenv("VPNSHOP_BACKUP_INTERVAL", "6h")

	cfg, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.HTTP.Port)
	}
	if cfg.Poll.Interval != 5*time.Second || cfg.Poll.Window != time.Minute {
		t.Errorf("poll = %v/%v, want 5s/1m", cfg.Poll.Interval, cfg.Poll.Window)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v, want [k1:9092 k2:9092]", cfg.Kafka.Brokers)
	}
	if cfg.Gateway.Provider != "stripe" {
		t.Errorf("provider = %q, want stripe", cfg.Gateway.Provider)
	}
	if cfg.Backup.Bucket != "vpnshop-backups" || cfg.Backup.Interval != 6*time.Hour {
		t.Errorf("backup = %q/%v, want vpnshop-backups/6h", cfg.Backup.Bucket, cfg.Backup.Interval)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpnshop.yaml")
	body := "db:\n  path: /var/lib/vpnshop.db\ntelegram:\n  admin_chat: \"-100123\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(New(path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Path != "/var/lib/vpnshop.db" {
		t.Errorf("db path = %q", cfg.DB.Path)
	}
	if cfg.Telegram.AdminChat != "-100123" {
		t.Errorf("admin chat = %q", cfg.Telegram.AdminChat)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("VPNSHOP_GATEWAY_PROVIDER", "paypal")
	if _, err := Load(New("")); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestValidatePushKeysPaired(t *testing.T) {
	t.Setenv("VPNSHOP_PUSH_VAPID_PUBLIC_KEY", "BPUB")
	if _, err := Load(New("")); err == nil {
		t.Error("expected error for a public VAPID key without the private key")
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VPNSHOP_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("VPNSHOP_LOG_LEVEL", "")
	os.Unsetenv("VPNSHOP_LOG_LEVEL")

	if err := LoadDotenv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("VPNSHOP_LOG_LEVEL"); got != "debug" {
		t.Errorf("VPNSHOP_LOG_LEVEL = %q, want debug", got)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoad_ServerDefaultsAndEnv(t *testing.T) {
	t.Setenv("ADMIN_KEY", "secret")
	t.Setenv("PORT", "9090")

	cfg, err := Load(RoleServer)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.AdminKey != "secret" {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis default: %q", cfg.Redis.Addr)
	}
	if cfg.Tolerance() != 120*time.Second {
		t.Errorf("tolerance: %v", cfg.Tolerance())
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("location: %v err=%v", loc, err)
	}
}

func TestLoad_ServerRequiresAdminKey(t *testing.T) {
	t.Setenv("ADMIN_KEY", "")
	if _, err := Load(RoleServer); err == nil {
		t.Error("expected missing ADMIN_KEY error")
	}
}

func TestLoad_Station(t *testing.T) {
	t.Setenv("CHEF_DEVICE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("STATION_ONLINE", "true")
	t.Setenv("MEAL_SERVER_URL", "")

	if _, err := Load(RoleStation); err == nil {
		t.Fatal("online station without server URL must fail")
	}

	t.Setenv("STATION_ONLINE", "false")
	cfg, err := Load(RoleStation)
	if err != nil {
		t.Fatalf("offline station: %v", err)
	}
	if cfg.Station.Debounce() != 2*time.Second || cfg.Station.SyncInterval() != 5*time.Minute {
		t.Errorf("timings: %+v", cfg.Station)
	}
}

func TestLoad_InvalidTimezone(t *testing.T) {
	t.Setenv("STUDENT_ID", "S1")
	t.Setenv("STUDENT_PRIVATE_KEY", "ab")
	t.Setenv("MEAL_TIMEZONE", "Mars/Olympus")
	if _, err := Load(RoleStudent); err == nil {
		t.Error("expected invalid timezone error")
	}
}

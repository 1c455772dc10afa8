package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Role selects which settings are required.
type Role int

const (
	RoleServer Role = iota
	RoleStation
	RoleStudent
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Meal    MealConfig
	Station StationConfig
	Student StudentConfig
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	AdminKey string `mapstructure:"admin_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// MealConfig is shared by server and station so both agree on what
// "today" and "fresh" mean.
type MealConfig struct {
	Timezone     string `mapstructure:"timezone"`
	ToleranceSec int64  `mapstructure:"tolerance_sec"`
}

type StationConfig struct {
	ServerURL         string `mapstructure:"server_url"`
	DeviceKey         string `mapstructure:"device_key"`
	DBPath            string `mapstructure:"db_path"`
	Online            bool   `mapstructure:"online"`
	RequestTimeoutSec int64  `mapstructure:"request_timeout_sec"`
	SyncIntervalSec   int64  `mapstructure:"sync_interval_sec"`
	DebounceMs        int64  `mapstructure:"debounce_ms"`
}

type StudentConfig struct {
	UserID          string `mapstructure:"user_id"`
	PrivateKey      string `mapstructure:"private_key"`
	ServerOffsetSec int64  `mapstructure:"server_offset_sec"`
	RotateSec       int64  `mapstructure:"rotate_sec"`
}

func Load(role Role) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("meal.timezone", "UTC")
	v.SetDefault("meal.tolerance_sec", 120)
	v.SetDefault("station.db_path", "mealstation.db")
	v.SetDefault("station.online", true)
	v.SetDefault("station.request_timeout_sec", 10)
	v.SetDefault("station.sync_interval_sec", 300)
	v.SetDefault("station.debounce_ms", 2000)
	v.SetDefault("student.rotate_sec", 30)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                 "PORT",
		"server.admin_key":            "ADMIN_KEY",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"meal.timezone":               "MEAL_TIMEZONE",
		"meal.tolerance_sec":          "VOUCHER_TOLERANCE_SEC",
		"station.server_url":          "MEAL_SERVER_URL",
		"station.device_key":          "CHEF_DEVICE_KEY",
		"station.db_path":             "STATION_DB_PATH",
		"station.online":              "STATION_ONLINE",
		"station.request_timeout_sec": "REQUEST_TIMEOUT_SEC",
		"station.sync_interval_sec":   "SYNC_INTERVAL_SEC",
		"station.debounce_ms":         "SCAN_DEBOUNCE_MS",
		"student.user_id":             "STUDENT_ID",
		"student.private_key":         "STUDENT_PRIVATE_KEY",
		"student.server_offset_sec":   "SERVER_OFFSET_SEC",
		"student.rotate_sec":          "VOUCHER_ROTATE_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate(role)
}

func (c *Config) validate(role Role) error {
	type req struct {
		val  string
		name string
	}
	var required []req
	switch role {
	case RoleServer:
		required = []req{
			{c.Server.AdminKey, "ADMIN_KEY"},
			{c.Redis.Addr, "REDIS_ADDR"},
		}
	case RoleStation:
		required = []req{
			{c.Station.DeviceKey, "CHEF_DEVICE_KEY"},
			{c.Station.DBPath, "STATION_DB_PATH"},
		}
		if c.Station.Online {
			required = append(required, req{c.Station.ServerURL, "MEAL_SERVER_URL"})
		}
	case RoleStudent:
		required = []req{
			{c.Student.UserID, "STUDENT_ID"},
			{c.Student.PrivateKey, "STUDENT_PRIVATE_KEY"},
		}
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Meal.ToleranceSec <= 0 {
		return fmt.Errorf("VOUCHER_TOLERANCE_SEC must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the meal-day timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Meal.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid MEAL_TIMEZONE %q: %w", c.Meal.Timezone, err)
	}
	return loc, nil
}

func (c *Config) Tolerance() time.Duration {
	return time.Duration(c.Meal.ToleranceSec) * time.Second
}

func (c *StationConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *StationConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

func (c *StationConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// sections: SIMROUTE_SERVER__LISTEN sets server.listen.
const EnvPrefix = "SIMROUTE_"

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Device  DeviceConfig  `koanf:"device"`
	GDL90   GDL90Config   `koanf:"gdl90"`
	Logging LoggingConfig `koanf:"logging"`
	Control ControlConfig `koanf:"control"`
}

type ServerConfig struct {
	Listen       string        `koanf:"listen" validate:"required"`
	FrontDir     string        `koanf:"front_dir"`
	APIKeyFile   string        `koanf:"api_key_file"`
	AirportsFile string        `koanf:"airports_file"`
	CORSOrigins  []string      `koanf:"cors_origins"`
	RateLimit    RateLimit     `koanf:"rate_limit"`
	PushInterval time.Duration `koanf:"push_interval"`
}

type RateLimit struct {
	// Requests per Window per client IP; <= 0 disables limiting.
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

type DeviceConfig struct {
	Source string `koanf:"source" validate:"oneof=sim track gpsd nmea"`

	PollInterval     time.Duration `koanf:"poll_interval"`
	SampleTimeout    time.Duration `koanf:"sample_timeout"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	BackoffInitial   time.Duration `koanf:"backoff_initial"`
	BackoffMax       time.Duration `koanf:"backoff_max"`
	FailureThreshold uint32        `koanf:"failure_threshold"`

	GPSDAddr string       `koanf:"gpsd_addr"`
	Serial   SerialConfig `koanf:"serial"`
	Sim      SimConfig    `koanf:"sim"`
	Track    TrackConfig  `koanf:"track"`
}

type SerialConfig struct {
	Device string `koanf:"device"`
	Baud   int    `koanf:"baud" validate:"oneof=4800 9600 19200 38400 57600 115200"`
}

type SimConfig struct {
	CenterLatDeg float64       `koanf:"center_lat_deg" validate:"gte=-90,lte=90"`
	CenterLonDeg float64       `koanf:"center_lon_deg" validate:"gte=-180,lte=180"`
	AltFeet      int           `koanf:"alt_feet"`
	GroundKt     int           `koanf:"ground_kt"`
	RadiusNm     float64       `koanf:"radius_nm"`
	Period       time.Duration `koanf:"period"`
}

type TrackConfig struct {
	Path  string  `koanf:"path"`
	Speed float64 `koanf:"speed"`
	Loop  bool    `koanf:"loop"`
}

type GDL90Config struct {
	Enable   bool          `koanf:"enable"`
	Dest     string        `koanf:"dest"`
	Interval time.Duration `koanf:"interval"`
	ICAO     string        `koanf:"icao" validate:"omitempty,len=6,hexadecimal"`
	Callsign string        `koanf:"callsign" validate:"max=8"`
}

type LoggingConfig struct {
	Level       string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format      string `koanf:"format" validate:"oneof=json console"`
	File        string `koanf:"file"`
	MaxSizeMB   int    `koanf:"max_size_mb"`
	MaxBackups  int    `koanf:"max_backups"`
	MaxAgeDays  int    `koanf:"max_age_days"`
	BufferLines int    `koanf:"buffer_lines"`
}

type ControlConfig struct {
	// Buffer bounds pending Pause/Resume messages.
	Buffer int `koanf:"buffer"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen:       ":8054",
			FrontDir:     "./front",
			APIKeyFile:   "./api_key.txt",
			AirportsFile: "./assets/airports.json",
			CORSOrigins:  []string{"*"},
			RateLimit:    RateLimit{Requests: 0, Window: time.Minute},
			PushInterval: time.Second,
		},
		Device: DeviceConfig{
			Source:           "sim",
			PollInterval:     time.Second,
			SampleTimeout:    5 * time.Second,
			ConnectTimeout:   5 * time.Second,
			BackoffInitial:   250 * time.Millisecond,
			BackoffMax:       10 * time.Second,
			FailureThreshold: 5,
			GPSDAddr:         "127.0.0.1:2947",
			Serial:           SerialConfig{Baud: 9600},
			Sim: SimConfig{
				CenterLatDeg: 47.2603,
				CenterLonDeg: 11.3439,
				AltFeet:      3000,
				GroundKt:     90,
				RadiusNm:     0.5,
				Period:       120 * time.Second,
			},
			Track: TrackConfig{Speed: 1},
		},
		GDL90: GDL90Config{
			Dest:     "192.168.10.255:4000",
			Interval: time.Second,
			ICAO:     "F00000",
			Callsign: "SIMROUTE",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			MaxSizeMB:   10,
			MaxBackups:  3,
			MaxAgeDays:  28,
			BufferLines: 2000,
		},
		Control: ControlConfig{Buffer: 8},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty)
// and SIMROUTE_* environment variables, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	// CORS origins may come from the environment as a comma-separated list.
	if s, ok := k.Get("server.cors_origins").(string); ok {
		if err := k.Set("server.cors_origins", splitList(s)); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validate(cfg *Config) error {
	cfg.Device.Source = strings.ToLower(strings.TrimSpace(cfg.Device.Source))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if err := newValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	if cfg.Device.PollInterval <= 0 {
		return fmt.Errorf("device.poll_interval must be > 0")
	}
	if cfg.Device.SampleTimeout <= 0 {
		return fmt.Errorf("device.sample_timeout must be > 0")
	}
	if cfg.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if cfg.Device.BackoffInitial <= 0 {
		return fmt.Errorf("device.backoff_initial must be > 0")
	}
	if cfg.Device.BackoffMax < cfg.Device.BackoffInitial {
		return fmt.Errorf("device.backoff_max must be >= device.backoff_initial")
	}
	if cfg.Device.FailureThreshold == 0 {
		return fmt.Errorf("device.failure_threshold must be > 0")
	}
	if cfg.Device.Source == "track" {
		if strings.TrimSpace(cfg.Device.Track.Path) == "" {
			return fmt.Errorf("device.track.path is required when device.source is track")
		}
		if cfg.Device.Track.Speed == 0 {
			cfg.Device.Track.Speed = 1
		}
		if cfg.Device.Track.Speed < 0 {
			return fmt.Errorf("device.track.speed must be > 0")
		}
	}

	if cfg.GDL90.Enable {
		if strings.TrimSpace(cfg.GDL90.Dest) == "" {
			return fmt.Errorf("gdl90.dest is required when gdl90.enable is true")
		}
		if cfg.GDL90.Interval <= 0 {
			return fmt.Errorf("gdl90.interval must be > 0")
		}
	}

	if cfg.Server.PushInterval <= 0 {
		cfg.Server.PushInterval = time.Second
	}
	if cfg.Server.RateLimit.Requests > 0 && cfg.Server.RateLimit.Window <= 0 {
		return fmt.Errorf("server.rate_limit.window must be > 0 when server.rate_limit.requests is set")
	}
	if cfg.Control.Buffer <= 0 {
		cfg.Control.Buffer = 8
	}
	if cfg.Logging.BufferLines <= 0 {
		cfg.Logging.BufferLines = 2000
	}
	return nil
}

// newValidator reports fields by their config key rather than the Go name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldError(fe validator.FieldError) error {
	key := fe.Namespace()
	if i := strings.IndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", key)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s]", key, fe.Param())
	case "gte":
		return fmt.Errorf("%s must be >= %s", key, fe.Param())
	case "lte":
		return fmt.Errorf("%s must be <= %s", key, fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s characters", key, fe.Param())
	case "len", "hexadecimal":
		return fmt.Errorf("%s must be a 6-digit hex address", key)
	default:
		return fmt.Errorf("%s is invalid (%s)", key, fe.Tag())
	}
}

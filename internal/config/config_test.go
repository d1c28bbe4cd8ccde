package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Listen != ":8054" {
		t.Fatalf("listen=%q want :8054", cfg.Server.Listen)
	}
	if cfg.Device.Source != "sim" {
		t.Fatalf("source=%q want sim", cfg.Device.Source)
	}
	if cfg.Device.PollInterval != time.Second || cfg.Device.BackoffMax != 10*time.Second {
		t.Fatalf("unexpected device timings: %+v", cfg.Device)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "*" {
		t.Fatalf("cors_origins=%v want [*]", cfg.Server.CORSOrigins)
	}
	if cfg.GDL90.Enable {
		t.Fatalf("gdl90 relay must be off by default")
	}
	if cfg.Control.Buffer != 8 {
		t.Fatalf("control.buffer=%d want 8", cfg.Control.Buffer)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen: "127.0.0.1:9000"
device:
  source: gpsd
  poll_interval: 250ms
  gpsd_addr: "10.0.0.2:2947"
  sim:
    center_lat_deg: 45.5
logging:
  level: DEBUG
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("listen=%q", cfg.Server.Listen)
	}
	if cfg.Device.Source != "gpsd" || cfg.Device.GPSDAddr != "10.0.0.2:2947" {
		t.Fatalf("device=%+v", cfg.Device)
	}
	if cfg.Device.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll_interval=%s want 250ms", cfg.Device.PollInterval)
	}
	if cfg.Device.Sim.CenterLatDeg != 45.5 {
		t.Fatalf("center_lat_deg=%v", cfg.Device.Sim.CenterLatDeg)
	}
	// Untouched siblings keep their defaults.
	if cfg.Device.Sim.RadiusNm != 0.5 || cfg.Device.SampleTimeout != 5*time.Second {
		t.Fatalf("expected defaults kept: %+v", cfg.Device)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level=%q want debug", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, "server:\n  listen: ':9000'\n")
	t.Setenv("SIMROUTE_SERVER__LISTEN", ":9100")
	t.Setenv("SIMROUTE_SERVER__CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("SIMROUTE_DEVICE__FAILURE_THRESHOLD", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Listen != ":9100" {
		t.Fatalf("listen=%q want :9100", cfg.Server.Listen)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("cors_origins=%v", cfg.Server.CORSOrigins)
	}
	if cfg.Device.FailureThreshold != 2 {
		t.Fatalf("failure_threshold=%d want 2", cfg.Device.FailureThreshold)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "UnknownSource",
			yaml: "device:\n  source: simconnect\n",
			want: "device.source must be one of [sim track gpsd nmea]",
		},
		{
			name: "TrackNeedsPath",
			yaml: "device:\n  source: track\n",
			want: "device.track.path is required when device.source is track",
		},
		{
			name: "TrackNegativeSpeed",
			yaml: "device:\n  source: track\n  track:\n    path: t.yaml\n    speed: -1\n",
			want: "device.track.speed must be > 0",
		},
		{
			name: "ZeroPollInterval",
			yaml: "device:\n  poll_interval: 0s\n",
			want: "device.poll_interval must be > 0",
		},
		{
			name: "BackoffOrder",
			yaml: "device:\n  backoff_initial: 5s\n  backoff_max: 1s\n",
			want: "device.backoff_max must be >= device.backoff_initial",
		},
		{
			name: "ZeroThreshold",
			yaml: "device:\n  failure_threshold: 0\n",
			want: "device.failure_threshold must be > 0",
		},
		{
			name: "BadBaud",
			yaml: "device:\n  serial:\n    baud: 1234\n",
			want: "device.serial.baud must be one of [4800 9600 19200 38400 57600 115200]",
		},
		{
			name: "LatitudeRange",
			yaml: "device:\n  sim:\n    center_lat_deg: 91\n",
			want: "device.sim.center_lat_deg must be <= 90",
		},
		{
			name: "GDL90NeedsDest",
			yaml: "gdl90:\n  enable: true\n  dest: ''\n",
			want: "gdl90.dest is required when gdl90.enable is true",
		},
		{
			name: "GDL90BadICAO",
			yaml: "gdl90:\n  icao: XYZ\n",
			want: "gdl90.icao must be a 6-digit hex address",
		},
		{
			name: "LogFormat",
			yaml: "logging:\n  format: xml\n",
			want: "logging.format must be one of [json console]",
		},
		{
			name: "EmptyListen",
			yaml: "server:\n  listen: ''\n",
			want: "server.listen is required",
		},
		{
			name: "RateLimitWindow",
			yaml: "server:\n  rate_limit:\n    requests: 10\n    window: 0s\n",
			want: "server.rate_limit.window must be > 0 when server.rate_limit.requests is set",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_TrackDefaultsSpeed(t *testing.T) {
	path := writeTempConfig(t, "device:\n  source: track\n  track:\n    path: flight.yaml\n    speed: 0\n    loop: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Device.Track.Speed != 1 || !cfg.Device.Track.Loop {
		t.Fatalf("track=%+v", cfg.Device.Track)
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"gopkg.in/yaml.v3"
)

// Config is the complete rollcall configuration.
type Config struct {
	Cameras     []types.CameraSource `yaml:"cameras"`
	Capture     CaptureConfig        `yaml:"capture"`
	Recognition RecognitionConfig    `yaml:"recognition"`
	Worker      WorkerConfig         `yaml:"worker"`
	Attendance  AttendanceConfig     `yaml:"attendance"`
	Gallery     GalleryConfig        `yaml:"gallery"`
	Database    DatabaseConfig       `yaml:"database"`
	HTTP        HTTPConfig           `yaml:"http"`
	MQTT        MQTTConfig           `yaml:"mqtt"`
}

// CaptureConfig controls every camera's capture loop.
type CaptureConfig struct {
	MaxWidth       int           `yaml:"max_width"`       // frames wider than this are downscaled
	MaxFPS         float64       `yaml:"max_fps"`         // 0 disables the cadence limiter
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // fixed wait between reconnect attempts
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type RecognitionConfig struct {
	EveryNthFrame      int     `yaml:"every_nth_frame"`
	AcceptThreshold    float64 `yaml:"accept_threshold"` // max cosine distance
	Margin             float64 `yaml:"margin"`           // min distance gap to the runner-up identity
	ConfirmThreshold   int     `yaml:"confirm_threshold"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
}

type WorkerConfig struct {
	Python       string        `yaml:"python"`
	Script       string        `yaml:"script"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

type AttendanceConfig struct {
	OfficeStart string        `yaml:"office_start"` // HH:MM[:SS], sightings strictly after it are Late
	WorkGap     time.Duration `yaml:"work_gap"`
	Throttle    time.Duration `yaml:"throttle"`
	Timezone    string        `yaml:"timezone"` // IANA name, empty for local time
}

type GalleryConfig struct {
	Backend         string        `yaml:"backend"` // "file" or "postgres"
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"` // postgres://... or mysql://...
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables notifications
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			MaxWidth:       960,
			ReconnectDelay: 5 * time.Second,
			ReadTimeout:    10 * time.Second,
		},
		Recognition: RecognitionConfig{
			EveryNthFrame:    5,
			AcceptThreshold:  0.4,
			Margin:           0.05,
			ConfirmThreshold: 2,
		},
		Worker: WorkerConfig{
			Python:       "python3",
			Script:       "python/worker.py",
			ReadTimeout:  5 * time.Second,
			RestartDelay: 3 * time.Second,
		},
		Attendance: AttendanceConfig{
			OfficeStart: "09:00:00",
			WorkGap:     300 * time.Second,
			Throttle:    300 * time.Second,
		},
		Gallery: GalleryConfig{
			Backend:         "file",
			Path:            "data/gallery.msgpack",
			RefreshInterval: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		HTTP: HTTPConfig{Port: 5000},
		MQTT: MQTTConfig{
			ClientID:    "rollcall",
			TopicPrefix: "rollcall",
			QoS:         1,
		},
	}
}

// Load reads a YAML file on top of the defaults, applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadCameras reads only the cameras list from a config file. Used by the hot-reload watcher.
func LoadCameras(path string) ([]types.CameraSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var partial struct {
		Cameras []types.CameraSource `yaml:"cameras"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return partial.Cameras, nil
}

func (c *Config) applyEnv() {
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	if c.Database.URL == "" {
		c.Database.URL = postgresURLFromEnv()
	}
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.HTTP.Port = envInt("ROLLCALL_HTTP_PORT", c.HTTP.Port)
	c.MQTT.Broker = envString("MQTT_BROKER", c.MQTT.Broker)
	c.Worker.Python = envString("ROLLCALL_PYTHON", c.Worker.Python)
	c.Worker.Script = envString("ROLLCALL_WORKER_SCRIPT", c.Worker.Script)
	c.Gallery.Path = envString("ROLLCALL_GALLERY_PATH", c.Gallery.Path)
	c.Attendance.Timezone = envString("ROLLCALL_TIMEZONE", c.Attendance.Timezone)
}

// postgresURLFromEnv builds a connection string from the POSTGRES_* variables, if set.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects settings that make the whole process unusable.
// Individual cameras are checked separately by ValidCameras.
func (c *Config) Validate() error {
	var errs []error
	if c.Recognition.EveryNthFrame < 1 {
		errs = append(errs, errors.New("recognition.every_nth_frame must be at least 1"))
	}
	if c.Recognition.AcceptThreshold <= 0 || c.Recognition.AcceptThreshold > 2 {
		errs = append(errs, errors.New("recognition.accept_threshold must be in (0, 2]"))
	}
	if c.Recognition.Margin < 0 {
		errs = append(errs, errors.New("recognition.margin must not be negative"))
	}
	if c.Recognition.ConfirmThreshold < 1 {
		errs = append(errs, errors.New("recognition.confirm_threshold must be at least 1"))
	}
	if c.Capture.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("capture.reconnect_delay must be positive"))
	}
	if c.Capture.MaxFPS < 0 {
		errs = append(errs, errors.New("capture.max_fps must not be negative"))
	}
	if c.Attendance.WorkGap <= 0 {
		errs = append(errs, errors.New("attendance.work_gap must be positive"))
	}
	if c.Attendance.Throttle < 0 {
		errs = append(errs, errors.New("attendance.throttle must not be negative"))
	}
	if _, err := ParseClock(c.Attendance.OfficeStart); err != nil {
		errs = append(errs, fmt.Errorf("attendance.office_start: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("attendance.timezone: %w", err))
	}
	switch c.Gallery.Backend {
	case "file":
		if c.Gallery.Path == "" {
			errs = append(errs, errors.New("gallery.path is required for the file backend"))
		}
	case "postgres":
		if !strings.HasPrefix(c.Database.URL, "postgres") {
			errs = append(errs, errors.New("gallery backend postgres needs a postgres database.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("gallery.backend %q is not one of file, postgres", c.Gallery.Backend))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// Location returns the time zone attendance days are computed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Attendance.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Attendance.Timezone)
}

// OfficeStart returns the late cutoff as an offset from midnight.
func (c *Config) OfficeStart() time.Duration {
	d, _ := ParseClock(c.Attendance.OfficeStart)
	return d
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid clock time %q, expected HH:MM or HH:MM:SS", s)
}

// ValidCameras returns the usable cameras in order and one error per skipped entry.
// A malformed camera never prevents the others from starting.
func ValidCameras(cams []types.CameraSource) ([]types.CameraSource, []error) {
	var (
		valid []types.CameraSource
		errs  []error
		seen  = make(map[int]bool)
	)
	for i, cam := range cams {
		switch {
		case cam.ID < 0:
			errs = append(errs, fmt.Errorf("camera #%d: id %d must not be negative", i, cam.ID))
		case strings.TrimSpace(cam.Target) == "":
			errs = append(errs, fmt.Errorf("camera %d: target is empty", cam.ID))
		case seen[cam.ID]:
			errs = append(errs, fmt.Errorf("camera %d: duplicate id", cam.ID))
		default:
			seen[cam.ID] = true
			if cam.Name == "" {
				cam.Name = fmt.Sprintf("Camera %d", cam.ID)
			}
			valid = append(valid, cam)
		}
	}
	return valid, errs
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Capture   CaptureConfig   `json:"capture" yaml:"capture"`
	Landmarks LandmarksConfig `json:"landmarks" yaml:"landmarks"`
	Alarm     AlarmConfig     `json:"alarm" yaml:"alarm"`
	Render    RenderConfig    `json:"render" yaml:"render"`
}

type DetectionConfig struct {
	EARThreshold float64 `json:"ear_threshold" yaml:"ear_threshold"`
	ConsecFrames int     `json:"consec_frames" yaml:"consec_frames"`
}

type CaptureConfig struct {
	Device int    `json:"device" yaml:"device"`
	Input  string `json:"input" yaml:"input"` // video file; overrides device when set
	Width  int    `json:"width" yaml:"width"`
	FFmpeg string `json:"ffmpeg" yaml:"ffmpeg"`
	Format string `json:"format" yaml:"format"`
}

type LandmarksConfig struct {
	Predictor   string        `json:"predictor" yaml:"predictor"`
	Python      string        `json:"python" yaml:"python"`
	Script      string        `json:"script" yaml:"script"`
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

type AlarmConfig struct {
	Path    string   `json:"path" yaml:"path"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
	Notify  bool     `json:"notify" yaml:"notify"`
}

type RenderConfig struct {
	DebugDir      string `json:"debug_dir" yaml:"debug_dir"`
	SnapshotEvery int    `json:"snapshot_every" yaml:"snapshot_every"`
	QuitKey       string `json:"quit_key" yaml:"quit_key"`
	Status        bool   `json:"status" yaml:"status"`
	Record        string `json:"record" yaml:"record"` // annotated video output, empty disables
	RecordFPS     int    `json:"record_fps" yaml:"record_fps"`
}

const (
	DefaultThreshold    = 0.3
	DefaultConsecFrames = 48
	DefaultWidth        = 800
	DefaultReadTimeout  = 10 * time.Second
	DefaultRecordFPS    = 15
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Detection: DetectionConfig{
			EARThreshold: DefaultThreshold,
			ConsecFrames: DefaultConsecFrames,
		},
		Capture: CaptureConfig{
			Device: 0,
			Width:  DefaultWidth,
			FFmpeg: "ffmpeg",
			Format: "v4l2",
		},
		Landmarks: LandmarksConfig{
			Python:      "python3",
			Script:      "python/landmarks.py",
			ReadTimeout: DefaultReadTimeout,
		},
		Render: RenderConfig{
			QuitKey:   "q",
			Status:    true,
			RecordFPS: DefaultRecordFPS,
		},
	}
}

// Load reads a YAML or JSON file over the defaults. The result is not
// validated: command-line flags are merged first, then Validate runs.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("parse %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Save writes cfg as JSON for a .json path, YAML otherwise.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	data, err := Marshal(cfg, strings.ToLower(filepath.Ext(path)) == ".json")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Marshal renders cfg as YAML, or indented JSON when asJSON is set.
func Marshal(cfg *Config, asJSON bool) ([]byte, error) {
	if asJSON {
		return json.MarshalIndent(cfg, "", "  ")
	}
	return yaml.Marshal(cfg)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Capture.FFmpeg == "" {
		cfg.Capture.FFmpeg = "ffmpeg"
	}
	if cfg.Landmarks.Python == "" {
		cfg.Landmarks.Python = "python3"
	}
	if cfg.Landmarks.Script == "" {
		cfg.Landmarks.Script = "python/landmarks.py"
	}
	if cfg.Landmarks.ReadTimeout == 0 {
		cfg.Landmarks.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Render.QuitKey == "" {
		cfg.Render.QuitKey = "q"
	}
	if cfg.Render.RecordFPS == 0 {
		cfg.Render.RecordFPS = DefaultRecordFPS
	}
}

func Validate(cfg *Config) error {
	if cfg.Detection.EARThreshold <= 0 {
		return fmt.Errorf("detection.ear_threshold must be > 0, got %v", cfg.Detection.EARThreshold)
	}
	if cfg.Detection.ConsecFrames <= 0 {
		return fmt.Errorf("detection.consec_frames must be > 0, got %d", cfg.Detection.ConsecFrames)
	}
	if cfg.Capture.Device < 0 {
		return fmt.Errorf("capture.device must be >= 0, got %d", cfg.Capture.Device)
	}
	if cfg.Capture.Width < 0 {
		return fmt.Errorf("capture.width must be >= 0, got %d", cfg.Capture.Width)
	}
	if cfg.Landmarks.Predictor == "" {
		return errors.New("landmarks.predictor required (use --shape-predictor)")
	}
	if cfg.Landmarks.ReadTimeout <= 0 {
		return fmt.Errorf("landmarks.read_timeout must be > 0, got %s", cfg.Landmarks.ReadTimeout)
	}
	if cfg.Render.SnapshotEvery < 0 {
		return fmt.Errorf("render.snapshot_every must be >= 0, got %d", cfg.Render.SnapshotEvery)
	}
	if cfg.Render.Record != "" {
		if cfg.Render.RecordFPS <= 0 {
			return fmt.Errorf("render.record_fps must be > 0, got %d", cfg.Render.RecordFPS)
		}
		// Writing over the input corrupts it while it is still being read
		if cfg.Capture.Input != "" && ResolvePath(cfg.Capture.Input) == ResolvePath(cfg.Render.Record) {
			return errors.New("render.record must differ from capture.input")
		}
	}
	return nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

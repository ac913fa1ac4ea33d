// Package config manages the system and per-stream YAML configuration,
// including live reload on file changes and at-rest encryption of
// stream credentials. Adapted from the teacher's internal/config/config.go,
// trimmed of its AI-detector-model, PTZ, zone-mask, and plugin fields
// (out of the spec's Stream data model in §3) while keeping its
// YAML/fsnotify/AES-GCM machinery unchanged.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level NVR configuration document.
type Config struct {
	Version string         `yaml:"version"`
	System  SystemConfig   `yaml:"system"`
	Streams []StreamConfig `yaml:"streams"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Name        string        `yaml:"name"`
	Timezone    string        `yaml:"timezone"`
	StoragePath string        `yaml:"storage_path"`
	Logging     LoggingConfig `yaml:"logging"`
	HLS         HLSConfig     `yaml:"hls"`
	Mux         MuxConfig     `yaml:"mux"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HLSConfig holds system-wide HLS segmenter defaults.
type HLSConfig struct {
	SegmentDurationSeconds int `yaml:"segment_duration_seconds"`
	WindowSize             int `yaml:"window_size"`
}

// MuxConfig addresses the upstream RTSP-mux HTTP API.
type MuxConfig struct {
	BaseURL string `yaml:"base_url"`
}

// StreamConfig is the YAML mirror of §3's Stream data model.
type StreamConfig struct {
	Name                   string `yaml:"name" json:"name"`
	SourceURL              string `yaml:"source_url" json:"source_url"`
	Transport              string `yaml:"transport" json:"transport"` // tcp or udp
	RecordingEnabled       bool   `yaml:"recording_enabled" json:"recording_enabled"`
	StreamingEnabled       bool   `yaml:"streaming_enabled" json:"streaming_enabled"`
	DetectionEnabled       bool   `yaml:"detection_enabled" json:"detection_enabled"`
	SegmentDurationSeconds int    `yaml:"segment_duration_seconds" json:"segment_duration_seconds"`
	RetentionDays          int    `yaml:"retention_days" json:"retention_days"`
	DetectionRetentionDays int    `yaml:"detection_retention_days" json:"detection_retention_days"`
	PreBufferSeconds       int    `yaml:"pre_buffer_seconds" json:"pre_buffer_seconds"`
	PostBufferSeconds      int    `yaml:"post_buffer_seconds" json:"post_buffer_seconds"`

	MotionGridCols     int     `yaml:"motion_grid_cols,omitempty" json:"motion_grid_cols,omitempty"`
	MotionGridRows     int     `yaml:"motion_grid_rows,omitempty" json:"motion_grid_rows,omitempty"`
	MotionMinArea      float64 `yaml:"motion_min_area,omitempty" json:"motion_min_area,omitempty"`
	MotionSensitivity  float64 `yaml:"motion_sensitivity,omitempty" json:"motion_sensitivity,omitempty"`
	MotionCooldownSecs int     `yaml:"motion_cooldown_seconds,omitempty" json:"motion_cooldown_seconds,omitempty"`

	ONVIFUsername string `yaml:"onvif_username,omitempty" json:"onvif_username,omitempty"`
	ONVIFPassword string `yaml:"onvif_password,omitempty" json:"onvif_password,omitempty"`
	ONVIFProfile  string `yaml:"onvif_profile,omitempty" json:"onvif_profile,omitempty"`
}

var streamNamePattern = regexp.MustCompile(`^[^/]{1,63}$`)

// Validate enforces the stream name constraint from §3 (non-empty, at
// most 63 characters, no slashes).
func (s StreamConfig) Validate() error {
	if s.Name == "" || !streamNamePattern.MatchString(s.Name) {
		return fmt.Errorf("config: stream name %q must be 1-63 characters with no slashes", s.Name)
	}
	if s.SourceURL == "" {
		return fmt.Errorf("config: stream %q missing source_url", s.Name)
	}
	return nil
}

// Load reads and parses path, decrypting stream passwords and applying
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.path = path
	cfg.encKey = encryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("config: decrypt secrets: %w", err)
	}
	cfg.setDefaults()

	for _, s := range cfg.Streams {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Save atomically writes the configuration back to its source path,
// encrypting stream passwords first.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	cfgCopy := &Config{
		Version: c.Version,
		System:  c.System,
		Streams: append([]StreamConfig(nil), c.Streams...),
		path:    c.path,
		encKey:  c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("config: encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("config: marshal yaml: %w", err)
	}
	header := "# NVR configuration\n# Auto-generated; manual edits are preserved across reloads.\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	return os.Rename(tmpPath, c.path)
}

// Watch starts an fsnotify watcher on the config file's source path,
// debouncing writes by 100ms before reloading.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers fn to be called after a successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Streams = newCfg.Streams
	watchers := append([]func(*Config){}, c.watchers...)
	c.mu.Unlock()

	for _, w := range watchers {
		w(c)
	}
}

// Stream returns the named stream's config, or false if absent.
func (c *Config) Stream(name string) (StreamConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return StreamConfig{}, false
}

// UpsertStream adds or replaces a stream by name and persists the
// change.
func (c *Config) UpsertStream(s StreamConfig) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	found := false
	for i := range c.Streams {
		if c.Streams[i].Name == s.Name {
			c.Streams[i] = s
			found = true
			break
		}
	}
	if !found {
		c.Streams = append(c.Streams, s)
	}
	err := c.saveLocked()
	c.mu.Unlock()
	return err
}

// RemoveStream deletes a stream by name and persists the change.
func (c *Config) RemoveStream(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.Streams {
		if s.Name == name {
			c.Streams = append(c.Streams[:i], c.Streams[i+1:]...)
			return c.saveLocked()
		}
	}
	return fmt.Errorf("config: stream %q not found", name)
}

// Path returns the configuration's source file path.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.StoragePath == "" {
		c.System.StoragePath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.HLS.SegmentDurationSeconds == 0 {
		c.System.HLS.SegmentDurationSeconds = 2
	}
	if c.System.HLS.WindowSize == 0 {
		c.System.HLS.WindowSize = 6
	}

	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Transport == "" {
			s.Transport = "tcp"
		}
		if s.SegmentDurationSeconds == 0 {
			s.SegmentDurationSeconds = 300
		}
		if s.RetentionDays == 0 {
			s.RetentionDays = 30
		}
		if s.DetectionRetentionDays == 0 {
			s.DetectionRetentionDays = s.RetentionDays
		}
		if s.PostBufferSeconds == 0 {
			s.PostBufferSeconds = 10
		}
	}
}

func (c *Config) encryptSecrets() error {
	for i := range c.Streams {
		if c.Streams[i].ONVIFPassword != "" && !strings.HasPrefix(c.Streams[i].ONVIFPassword, "encrypted:") {
			enc, err := encrypt(c.encKey, c.Streams[i].ONVIFPassword)
			if err != nil {
				return err
			}
			c.Streams[i].ONVIFPassword = "encrypted:" + enc
		}
	}
	return nil
}

func (c *Config) decryptSecrets() error {
	for i := range c.Streams {
		if strings.HasPrefix(c.Streams[i].ONVIFPassword, "encrypted:") {
			enc := strings.TrimPrefix(c.Streams[i].ONVIFPassword, "encrypted:")
			dec, err := decrypt(c.encKey, enc)
			if err != nil {
				return err
			}
			c.Streams[i].ONVIFPassword = dec
		}
	}
	return nil
}

// encryptionKey returns the AES-256 key from NVR_ENCRYPTION_KEY, falling
// back to a fixed development key.
func encryptionKey() []byte {
	keyStr := os.Getenv("NVR_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}
	return []byte("nvr-default-key-change-in-prod!!")
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("config: ciphertext too short")
	}
	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

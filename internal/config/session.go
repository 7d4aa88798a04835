package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/livescan/internal/protocol"
)

// SyncMode selects how a recording keeps sensors in step. Exactly one is
// active per session.
type SyncMode int

const (
	SyncOff SyncMode = iota
	SyncNetwork
	SyncHardware
)

func (m SyncMode) String() string {
	switch m {
	case SyncOff:
		return "off"
	case SyncNetwork:
		return "network"
	case SyncHardware:
		return "hardware"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// ParseSyncMode parses "off", "network" or "hardware".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return SyncOff, nil
	case "network":
		return SyncNetwork, nil
	case "hardware":
		return SyncHardware, nil
	}
	return SyncOff, fmt.Errorf("unknown sync mode %q", s)
}

// MarkerConfig is one calibration marker seed pose.
type MarkerConfig struct {
	ID          int32      `json:"id"`
	Rotation    [9]float32 `json:"rotation"` // row-major
	Translation [3]float32 `json:"translation"`
}

// SessionConfig is the session-wide configuration. Every field is optional;
// the Get* methods supply defaults for anything left out of the JSON.
type SessionConfig struct {
	// Capture volume, meters.
	MinBounds *[3]float32 `json:"min_bounds,omitempty"`
	MaxBounds *[3]float32 `json:"max_bounds,omitempty"`

	Markers []MarkerConfig `json:"markers,omitempty"`

	CompressionLevel *int `json:"compression_level,omitempty"`

	// Refinement: outer rounds over every device, ICP iterations per device.
	RefineIterations *int `json:"refine_iterations,omitempty"`
	ICPIterations    *int `json:"icp_iterations,omitempty"`

	MergeOnSave *bool `json:"merge_on_save,omitempty"`

	AutoExposure     *bool `json:"auto_exposure,omitempty"`
	ExposureStep     *int  `json:"exposure_step,omitempty"`
	AutoWhiteBalance *bool `json:"auto_white_balance,omitempty"`
	Kelvin           *int  `json:"kelvin,omitempty"`

	ExportMode       *string `json:"export_mode,omitempty"`       // "pointcloud" or "raw_frames"
	ExtrinsicsFormat *string `json:"extrinsics_format,omitempty"` // "none", "open3d" or "openmvs"
	SyncMode         *string `json:"sync_mode,omitempty"`         // "off", "network" or "hardware"
	PreviewEnabled   *bool   `json:"preview_enabled,omitempty"`

	// Durations are strings like "2ms".
	SyncTolerance       *string `json:"sync_tolerance,omitempty"`
	CapturePollInterval *string `json:"capture_poll_interval,omitempty"`
	PreviewInterval     *string `json:"preview_interval,omitempty"`
	ReplyTimeout        *string `json:"reply_timeout,omitempty"`
	RestartTimeout      *string `json:"restart_timeout,omitempty"`

	TakeName       *string `json:"take_name,omitempty"`
	DiagnosticsDir *string `json:"diagnostics_dir,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// DefaultMarkers returns the six identity-pose markers with ids 0..5.
func DefaultMarkers() []MarkerConfig {
	out := make([]MarkerConfig, 6)
	for i := range out {
		out[i] = MarkerConfig{ID: int32(i), Rotation: [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}}
	}
	return out
}

// DefaultSessionConfig returns a SessionConfig with every field set.
func DefaultSessionConfig() *SessionConfig {
	minB := [3]float32{-3, -3, -3}
	maxB := [3]float32{3, 3, 3}
	return &SessionConfig{
		MinBounds:           &minB,
		MaxBounds:           &maxB,
		Markers:             DefaultMarkers(),
		CompressionLevel:    ptrInt(2),
		RefineIterations:    ptrInt(2),
		ICPIterations:       ptrInt(10),
		MergeOnSave:         ptrBool(true),
		AutoExposure:        ptrBool(true),
		ExposureStep:        ptrInt(-5),
		AutoWhiteBalance:    ptrBool(false),
		Kelvin:              ptrInt(8),
		ExportMode:          ptrString("pointcloud"),
		ExtrinsicsFormat:    ptrString("open3d"),
		SyncMode:            ptrString("off"),
		PreviewEnabled:      ptrBool(true),
		SyncTolerance:       ptrString("2ms"),
		CapturePollInterval: ptrString("1ms"),
		PreviewInterval:     ptrString("1ms"),
		ReplyTimeout:        ptrString("10s"),
		RestartTimeout:      ptrString("30s"),
		TakeName:            ptrString("take"),
		DiagnosticsDir:      ptrString(""),
	}
}

// LoadSessionConfig loads a SessionConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to defaults through the Get*
// methods, so partial configs are safe.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &SessionConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *SessionConfig) Validate() error {
	if c.MinBounds != nil && c.MaxBounds != nil {
		for i := 0; i < 3; i++ {
			if c.MinBounds[i] > c.MaxBounds[i] {
				return fmt.Errorf("min_bounds[%d] %.3f exceeds max_bounds[%d] %.3f", i, c.MinBounds[i], i, c.MaxBounds[i])
			}
		}
	}
	if c.CompressionLevel != nil && (*c.CompressionLevel < 0 || *c.CompressionLevel > 22) {
		return fmt.Errorf("compression_level must be between 0 and 22, got %d", *c.CompressionLevel)
	}
	if c.RefineIterations != nil && *c.RefineIterations < 0 {
		return fmt.Errorf("refine_iterations must be non-negative, got %d", *c.RefineIterations)
	}
	if c.ICPIterations != nil && *c.ICPIterations < 1 {
		return fmt.Errorf("icp_iterations must be positive, got %d", *c.ICPIterations)
	}
	seen := make(map[int32]bool, len(c.Markers))
	for _, m := range c.Markers {
		if seen[m.ID] {
			return fmt.Errorf("duplicate marker id %d", m.ID)
		}
		seen[m.ID] = true
	}
	if c.ExportMode != nil {
		if _, err := parseExportMode(*c.ExportMode); err != nil {
			return err
		}
	}
	if c.ExtrinsicsFormat != nil {
		if _, err := parseExtrinsicsFormat(*c.ExtrinsicsFormat); err != nil {
			return err
		}
	}
	if c.SyncMode != nil {
		if _, err := ParseSyncMode(*c.SyncMode); err != nil {
			return err
		}
	}
	for name, v := range map[string]*string{
		"sync_tolerance":        c.SyncTolerance,
		"capture_poll_interval": c.CapturePollInterval,
		"preview_interval":      c.PreviewInterval,
		"reply_timeout":         c.ReplyTimeout,
		"restart_timeout":       c.RestartTimeout,
	} {
		if v != nil && *v != "" {
			d, err := time.ParseDuration(*v)
			if err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
			if d < 0 {
				return fmt.Errorf("%s must be non-negative, got %s", name, d)
			}
		}
	}
	if c.TakeName != nil && strings.ContainsAny(*c.TakeName, `/\`) {
		return fmt.Errorf("take_name must not contain path separators, got %q", *c.TakeName)
	}
	return nil
}

// GetMinBounds returns the lower capture-volume corner or the default.
func (c *SessionConfig) GetMinBounds() [3]float32 {
	if c.MinBounds == nil {
		return [3]float32{-3, -3, -3}
	}
	return *c.MinBounds
}

// GetMaxBounds returns the upper capture-volume corner or the default.
func (c *SessionConfig) GetMaxBounds() [3]float32 {
	if c.MaxBounds == nil {
		return [3]float32{3, 3, 3}
	}
	return *c.MaxBounds
}

// GetMarkers returns the marker seeds or the six default markers.
func (c *SessionConfig) GetMarkers() []MarkerConfig {
	if c.Markers == nil {
		return DefaultMarkers()
	}
	return c.Markers
}

func (c *SessionConfig) GetCompressionLevel() int {
	if c.CompressionLevel == nil {
		return 2
	}
	return *c.CompressionLevel
}

func (c *SessionConfig) GetRefineIterations() int {
	if c.RefineIterations == nil {
		return 2
	}
	return *c.RefineIterations
}

func (c *SessionConfig) GetICPIterations() int {
	if c.ICPIterations == nil {
		return 10
	}
	return *c.ICPIterations
}

func (c *SessionConfig) GetMergeOnSave() bool {
	if c.MergeOnSave == nil {
		return true
	}
	return *c.MergeOnSave
}

func (c *SessionConfig) GetAutoExposure() bool {
	if c.AutoExposure == nil {
		return true
	}
	return *c.AutoExposure
}

func (c *SessionConfig) GetExposureStep() int {
	if c.ExposureStep == nil {
		return -5
	}
	return *c.ExposureStep
}

func (c *SessionConfig) GetAutoWhiteBalance() bool {
	if c.AutoWhiteBalance == nil {
		return false
	}
	return *c.AutoWhiteBalance
}

func (c *SessionConfig) GetKelvin() int {
	if c.Kelvin == nil {
		return 8
	}
	return *c.Kelvin
}

// GetExportMode returns the export mode or Pointcloud.
func (c *SessionConfig) GetExportMode() protocol.ExportMode {
	if c.ExportMode == nil {
		return protocol.ExportPointcloud
	}
	m, err := parseExportMode(*c.ExportMode)
	if err != nil {
		return protocol.ExportPointcloud
	}
	return m
}

// GetExtrinsicsFormat returns the extrinsics format or Open3D.
func (c *SessionConfig) GetExtrinsicsFormat() protocol.ExtrinsicsFormat {
	if c.ExtrinsicsFormat == nil {
		return protocol.ExtrinsicsOpen3D
	}
	f, err := parseExtrinsicsFormat(*c.ExtrinsicsFormat)
	if err != nil {
		return protocol.ExtrinsicsOpen3D
	}
	return f
}

// GetSyncMode returns the sync mode or SyncOff.
func (c *SessionConfig) GetSyncMode() SyncMode {
	if c.SyncMode == nil {
		return SyncOff
	}
	m, err := ParseSyncMode(*c.SyncMode)
	if err != nil {
		return SyncOff
	}
	return m
}

func (c *SessionConfig) GetPreviewEnabled() bool {
	if c.PreviewEnabled == nil {
		return true
	}
	return *c.PreviewEnabled
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetSyncTolerance is the widest timestamp gap matched during reconciliation.
func (c *SessionConfig) GetSyncTolerance() time.Duration {
	return durationOr(c.SyncTolerance, 2*time.Millisecond)
}

func (c *SessionConfig) GetCapturePollInterval() time.Duration {
	return durationOr(c.CapturePollInterval, time.Millisecond)
}

func (c *SessionConfig) GetPreviewInterval() time.Duration {
	return durationOr(c.PreviewInterval, time.Millisecond)
}

func (c *SessionConfig) GetReplyTimeout() time.Duration {
	return durationOr(c.ReplyTimeout, 10*time.Second)
}

func (c *SessionConfig) GetRestartTimeout() time.Duration {
	return durationOr(c.RestartTimeout, 30*time.Second)
}

func (c *SessionConfig) GetTakeName() string {
	if c.TakeName == nil || *c.TakeName == "" {
		return "take"
	}
	return *c.TakeName
}

// GetDiagnosticsDir returns where reconciliation plots are written; empty
// disables them.
func (c *SessionConfig) GetDiagnosticsDir() string {
	if c.DiagnosticsDir == nil {
		return ""
	}
	return *c.DiagnosticsDir
}

// Settings builds the block pushed to every device with ReceiveSettings.
func (c *SessionConfig) Settings() protocol.Settings {
	markers := c.GetMarkers()
	out := protocol.Settings{
		MinBounds:        c.GetMinBounds(),
		MaxBounds:        c.GetMaxBounds(),
		Markers:          make([]protocol.MarkerPose, len(markers)),
		CompressionLevel: int32(c.GetCompressionLevel()),
		AutoExposure:     c.GetAutoExposure(),
		ExposureStep:     int32(c.GetExposureStep()),
		AutoWhiteBalance: c.GetAutoWhiteBalance(),
		Kelvin:           int32(c.GetKelvin()),
		ExportMode:       c.GetExportMode(),
		ExtrinsicsFormat: c.GetExtrinsicsFormat(),
		PreviewEnabled:   c.GetPreviewEnabled(),
	}
	for i, m := range markers {
		out.Markers[i] = protocol.MarkerPoseFromRT(m.ID, m.Rotation, m.Translation)
	}
	return out
}

func parseExportMode(s string) (protocol.ExportMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pointcloud":
		return protocol.ExportPointcloud, nil
	case "raw_frames", "rawframes":
		return protocol.ExportRawFrames, nil
	}
	return protocol.ExportPointcloud, fmt.Errorf("unknown export_mode %q", s)
}

func parseExtrinsicsFormat(s string) (protocol.ExtrinsicsFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return protocol.ExtrinsicsNone, nil
	case "open3d":
		return protocol.ExtrinsicsOpen3D, nil
	case "openmvs":
		return protocol.ExtrinsicsOpenMVS, nil
	}
	return protocol.ExtrinsicsNone, fmt.Errorf("unknown extrinsics_format %q", s)
}

package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/pat/internal/beacon"
	"github.com/banshee-data/pat/internal/fabric"
	"github.com/banshee-data/pat/internal/fpga"
	"github.com/banshee-data/pat/internal/fsm"
	"github.com/banshee-data/pat/internal/fsutil"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/pat.defaults.json"

// Transport names accepted by the transport field.
const (
	TransportMemory = "memory"
	TransportMQTT   = "mqtt"
	TransportSerial = "serial"
)

// PATConfig is the pointing process configuration. Every field is optional;
// the Get* methods supply the flight default for anything left unset.
type PATConfig struct {
	// Actuator
	VoltageBias   *int    `json:"voltage_bias,omitempty"`
	VoltageMax    *int    `json:"voltage_max,omitempty"`
	WriteDelay    *string `json:"write_delay,omitempty"`    // duration string like "3ms"
	AnswerTimeout *string `json:"answer_timeout,omitempty"` // duration string like "50ms"
	ReturnAddress *uint32 `json:"return_address,omitempty"`

	// Partial maps are merged over fpga.DefaultRegisterMap by LoadConfig.
	RegisterMap *fpga.RegisterMap `json:"register_map,omitempty"`

	// Image processing
	BlurRadius        *float64 `json:"blur_radius,omitempty"`
	BlurPasses        *int     `json:"blur_passes,omitempty"`
	ThresholdFraction *float64 `json:"threshold_fraction,omitempty"`
	SafetyOffset      *int     `json:"safety_offset,omitempty"`
	MaxGroups         *int     `json:"max_groups,omitempty"`
	MaxActivePixels   *int     `json:"max_active_pixels,omitempty"`
	MinPixelsPerGroup *int     `json:"min_pixels_per_group,omitempty"`
	FrameWidth        *int     `json:"frame_width,omitempty"`
	FrameHeight       *int     `json:"frame_height,omitempty"`
	FrameInterval     *string  `json:"frame_interval,omitempty"`

	// Transport
	Transport    *string `json:"transport,omitempty"` // memory, mqtt or serial
	RequestTopic *string `json:"request_topic,omitempty"`
	AnswerTopic  *string `json:"answer_topic,omitempty"`
	HealthTopic  *string `json:"health_topic,omitempty"`
	StatusTopic  *string `json:"status_topic,omitempty"`
	MQTTBroker   *string `json:"mqtt_broker,omitempty"`
	MQTTClientID *string `json:"mqtt_client_id,omitempty"`
	MQTTQoS      *int    `json:"mqtt_qos,omitempty"`
	SerialPort   *string `json:"serial_port,omitempty"`
	SerialBaud   *int    `json:"serial_baud,omitempty"`
	SerialParity *string `json:"serial_parity,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyConfig returns a PATConfig with every field unset.
func EmptyConfig() *PATConfig {
	return &PATConfig{}
}

// LoadConfig loads a PATConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadConfig(path string) (*PATConfig, error) {
	return LoadConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadConfigFS is LoadConfig reading through fsys.
func LoadConfigFS(fsys fsutil.FileSystem, path string) (*PATConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a JSON configuration.
func ParseConfig(data []byte) (*PATConfig, error) {
	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	var probe struct {
		RegisterMap json.RawMessage `json:"register_map"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && len(probe.RegisterMap) > 0 && string(probe.RegisterMap) != "null" {
		m := fpga.DefaultRegisterMap()
		if err := json.Unmarshal(probe.RegisterMap, &m); err != nil {
			return nil, fmt.Errorf("failed to parse register_map: %w", err)
		}
		cfg.RegisterMap = &m
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// a parent. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *PATConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/pat/ and deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *PATConfig) Validate() error {
	for name, v := range map[string]*int{"voltage_bias": c.VoltageBias, "voltage_max": c.VoltageMax} {
		if v != nil && (*v < 0 || *v > 0xFFFF) {
			return fmt.Errorf("%s must be between 0 and 65535, got %d", name, *v)
		}
	}

	for name, v := range map[string]*string{
		"write_delay":    c.WriteDelay,
		"answer_timeout": c.AnswerTimeout,
		"frame_interval": c.FrameInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	if c.AnswerTimeout != nil && c.GetAnswerTimeout() == 0 {
		return fmt.Errorf("answer_timeout must be positive")
	}

	if c.RegisterMap != nil {
		if err := c.RegisterMap.Validate(); err != nil {
			return fmt.Errorf("register_map: %w", err)
		}
	}

	if c.BlurRadius != nil && *c.BlurRadius < 0 {
		return fmt.Errorf("blur_radius must be non-negative, got %f", *c.BlurRadius)
	}
	if c.ThresholdFraction != nil && *c.ThresholdFraction < 0 {
		return fmt.Errorf("threshold_fraction must be non-negative, got %f", *c.ThresholdFraction)
	}
	for name, v := range map[string]*int{
		"blur_passes":          c.BlurPasses,
		"safety_offset":        c.SafetyOffset,
		"min_pixels_per_group": c.MinPixelsPerGroup,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}
	for name, v := range map[string]*int{
		"max_groups":        c.MaxGroups,
		"max_active_pixels": c.MaxActivePixels,
		"frame_width":       c.FrameWidth,
		"frame_height":      c.FrameHeight,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}

	switch c.GetTransport() {
	case TransportMemory, TransportMQTT:
	case TransportSerial:
		if c.GetSerialPort() == "" {
			return fmt.Errorf("transport serial requires serial_port")
		}
	default:
		return fmt.Errorf("unknown transport %q: expected memory, mqtt or serial", c.GetTransport())
	}
	if _, err := c.MQTTOptions().Normalize(); err != nil {
		return err
	}
	if _, err := c.PortOptions().Normalize(); err != nil {
		return err
	}
	return nil
}

func (c *PATConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetVoltageBias returns the DAC bias level or the default.
func (c *PATConfig) GetVoltageBias() uint16 {
	return uint16(intOr(c.VoltageBias, fsm.DefaultVoltageBias))
}

// GetVoltageMax returns the DAC swing at full deflection or the default.
func (c *PATConfig) GetVoltageMax() uint16 {
	return uint16(intOr(c.VoltageMax, fsm.DefaultVoltageMax))
}

// GetWriteDelay returns the pause after each register write.
func (c *PATConfig) GetWriteDelay() time.Duration {
	return c.duration(c.WriteDelay, fsm.DefaultWriteDelay)
}

// GetAnswerTimeout returns how long a verification read waits.
func (c *PATConfig) GetAnswerTimeout() time.Duration {
	return c.duration(c.AnswerTimeout, fsm.DefaultAnswerTimeout)
}

// GetReturnAddress returns the configured return address, or 0 to use the
// process ID.
func (c *PATConfig) GetReturnAddress() uint32 {
	if c.ReturnAddress == nil {
		return 0
	}
	return *c.ReturnAddress
}

// GetRegisterMap returns the register assignment.
func (c *PATConfig) GetRegisterMap() fpga.RegisterMap {
	if c.RegisterMap == nil {
		return fpga.DefaultRegisterMap()
	}
	return *c.RegisterMap
}

// GetFrameInterval returns the pause between frames in dev mode.
func (c *PATConfig) GetFrameInterval() time.Duration {
	return c.duration(c.FrameInterval, 100*time.Millisecond)
}

// GetFrameArea returns the camera area of interest.
func (c *PATConfig) GetFrameArea() beacon.AOI {
	return beacon.AOI{W: intOr(c.FrameWidth, 128), H: intOr(c.FrameHeight, 128)}
}

// GetTransport returns the fabric selection, lower-cased.
func (c *PATConfig) GetTransport() string {
	return strings.ToLower(stringOr(c.Transport, TransportMemory))
}

func (c *PATConfig) GetRequestTopic() string {
	return stringOr(c.RequestTopic, fabric.TopicFPGARequest)
}

func (c *PATConfig) GetAnswerTopic() string {
	return stringOr(c.AnswerTopic, fabric.TopicFPGAAnswer)
}

func (c *PATConfig) GetHealthTopic() string {
	return stringOr(c.HealthTopic, fabric.TopicHealth)
}

func (c *PATConfig) GetStatusTopic() string {
	return stringOr(c.StatusTopic, fabric.TopicStatus)
}

// GetSerialPort returns the FPGA link device path.
func (c *PATConfig) GetSerialPort() string {
	return stringOr(c.SerialPort, "")
}

// Limits returns the grouping failsafes.
func (c *PATConfig) Limits() beacon.Limits {
	d := beacon.DefaultLimits()
	return beacon.Limits{
		MaxGroups:         intOr(c.MaxGroups, d.MaxGroups),
		MaxActivePixels:   intOr(c.MaxActivePixels, d.MaxActivePixels),
		MinPixelsPerGroup: intOr(c.MinPixelsPerGroup, d.MinPixelsPerGroup),
		SafetyOffset:      intOr(c.SafetyOffset, d.SafetyOffset),
	}
}

// ProcessOptions returns the per-frame pipeline settings.
func (c *PATConfig) ProcessOptions() beacon.ProcessOptions {
	opts := beacon.DefaultProcessOptions()
	if c.BlurRadius != nil {
		opts.BlurRadius = *c.BlurRadius
	}
	opts.BlurPasses = intOr(c.BlurPasses, opts.BlurPasses)
	if c.ThresholdFraction != nil {
		opts.Fraction = *c.ThresholdFraction
	}
	opts.Limits = c.Limits()
	return opts
}

// ActuatorOptions returns the FSM settings. Clock and Logf are left for the
// caller to wire.
func (c *PATConfig) ActuatorOptions() fsm.Options {
	regs := c.GetRegisterMap()
	return fsm.Options{
		VoltageBias:   c.GetVoltageBias(),
		VoltageMax:    c.GetVoltageMax(),
		WriteDelay:    c.GetWriteDelay(),
		AnswerTimeout: c.GetAnswerTimeout(),
		Registers:     &regs,
	}
}

// MQTTOptions returns the broker connection settings.
func (c *PATConfig) MQTTOptions() fabric.MQTTOptions {
	return fabric.MQTTOptions{
		Broker:   stringOr(c.MQTTBroker, ""),
		ClientID: stringOr(c.MQTTClientID, ""),
		QoS:      byte(intOr(c.MQTTQoS, 0)),
	}
}

// PortOptions returns the serial link settings.
func (c *PATConfig) PortOptions() fabric.PortOptions {
	return fabric.PortOptions{
		BaudRate: intOr(c.SerialBaud, 0),
		Parity:   stringOr(c.SerialParity, ""),
	}
}

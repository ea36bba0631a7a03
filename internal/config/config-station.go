// internal/config/config-station.go
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/fisaks/flowcal/internal/logging"
	"gopkg.in/yaml.v3"
)

/* =========================
   Types
   ========================= */

type StationConfig struct {
	StationName string            `json:"stationName" yaml:"stationName"`
	Controller  LinkConfig        `json:"controller" yaml:"controller"`
	Balance     LinkConfig        `json:"balance" yaml:"balance"`
	Calibration CalibrationConfig `json:"calibration" yaml:"calibration"`
	Mqtt        *MqttConfig       `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Http        *HttpConfig       `json:"http,omitempty" yaml:"http,omitempty"`
}

type LinkConfig struct {
	Port          string `json:"port" yaml:"port"`
	Baud          int    `json:"baud" yaml:"baud"`
	DataBits      int    `json:"dataBits" yaml:"dataBits"`
	StopBits      int    `json:"stopBits" yaml:"stopBits"`
	Parity        string `json:"parity" yaml:"parity"`
	TimeoutMs     int    `json:"timeoutMs" yaml:"timeoutMs"` // per-response deadline
	PollMs        int    `json:"pollMs" yaml:"pollMs"`       // serial read granularity
	SettleAfterMs int    `json:"settleAfterWriteMs" yaml:"settleAfterWriteMs"`
	Delimiter     string `json:"delimiter" yaml:"delimiter"` // default "\r\n"
	Debug         bool   `json:"debug" yaml:"debug"`
}

type CalibrationConfig struct {
	IntervalSeconds  float64   `json:"intervalSeconds" yaml:"intervalSeconds"`
	Attempts         int       `json:"attempts" yaml:"attempts"`
	Version          string    `json:"version" yaml:"version"`               // "v1" | "v2"
	BreakpointMode   string    `json:"breakpointMode" yaml:"breakpointMode"` // "fixed" | "variable"
	SetPoints        []float64 `json:"setPoints" yaml:"setPoints"`           // percent of full scale
	FullScaleFlow    float64   `json:"fullScaleFlow" yaml:"fullScaleFlow"`   // mg/min
	OvershootPercent float64   `json:"overshootPercent" yaml:"overshootPercent"`
	OvershootMs      int       `json:"overshootMs" yaml:"overshootMs"`
	SettleMs         int       `json:"settleMs" yaml:"settleMs"`
	ZeroPollMs       int       `json:"zeroPollMs" yaml:"zeroPollMs"`
	GranularityMs    int       `json:"granularityMs" yaml:"granularityMs"`
	BalanceTimeoutMs int       `json:"balanceTimeoutMs" yaml:"balanceTimeoutMs"`
	CleanupTimeoutMs int       `json:"cleanupTimeoutMs" yaml:"cleanupTimeoutMs"`
}

type MqttConfig struct {
	BrokerURL         string `json:"brokerUrl" yaml:"brokerUrl"`
	TopicPrefix       string `json:"topicPrefix" yaml:"topicPrefix"`
	HeartbeatInterval int    `json:"heartbeatInterval" yaml:"heartbeatInterval"` // seconds
}

type HttpConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

const SetPointCount = 10

/* =========================
   Helpers
   ========================= */

func (l LinkConfig) Timeout() time.Duration { return time.Duration(l.TimeoutMs) * time.Millisecond }
func (l LinkConfig) Poll() time.Duration    { return time.Duration(l.PollMs) * time.Millisecond }
func (l LinkConfig) SettleAfterWrite() time.Duration {
	return time.Duration(l.SettleAfterMs) * time.Millisecond
}

func (c CalibrationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds * float64(time.Second))
}
func (c CalibrationConfig) Overshoot() time.Duration {
	return time.Duration(c.OvershootMs) * time.Millisecond
}
func (c CalibrationConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}
func (c CalibrationConfig) ZeroPoll() time.Duration {
	return time.Duration(c.ZeroPollMs) * time.Millisecond
}
func (c CalibrationConfig) Granularity() time.Duration {
	return time.Duration(c.GranularityMs) * time.Millisecond
}
func (c CalibrationConfig) BalanceTimeout() time.Duration {
	return time.Duration(c.BalanceTimeoutMs) * time.Millisecond
}
func (c CalibrationConfig) CleanupTimeout() time.Duration {
	return time.Duration(c.CleanupTimeoutMs) * time.Millisecond
}

// DefaultSetPoints are 10 %, 20 %, ... 100 % of full scale.
func DefaultSetPoints() []float64 {
	sp := make([]float64, SetPointCount)
	for i := range sp {
		sp[i] = float64((i + 1) * 10)
	}
	return sp
}

/* =========================
   Strict load + validate
   ========================= */

func LoadStationConfig(path string) (*StationConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(raw)
	}
	return decodeJSON(raw)
}

func LoadStationConfigFromReader(r io.Reader) (*StationConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func decodeJSON(raw []byte) (*StationConfig, error) {
	clean := stripJSONComments(raw)
	dec := json.NewDecoder(bytes.NewReader(clean))
	dec.DisallowUnknownFields()

	var cfg StationConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func decodeYAML(raw []byte) (*StationConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg StationConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *StationConfig) Validate() error {
	var errs multiErr

	if strings.TrimSpace(c.StationName) == "" {
		c.StationName = "station1"
	}

	validateLink(&errs, "controller", &c.Controller)
	validateLink(&errs, "balance", &c.Balance)

	/* Calibration */
	cal := &c.Calibration
	if cal.IntervalSeconds <= 0 {
		cal.IntervalSeconds = 1
	}
	if cal.Attempts == 0 {
		cal.Attempts = 10
	}
	if cal.Attempts < 3 {
		errs.add("calibration.attempts must be >= 3 (min and max are trimmed)")
	}
	cal.Version = strings.ToLower(strings.TrimSpace(cal.Version))
	if cal.Version == "" {
		cal.Version = "v1"
	}
	if !slices.Contains([]string{"v1", "v2"}, cal.Version) {
		errs.addf("calibration.version must be v1 or v2, got %q", cal.Version)
	}
	cal.BreakpointMode = strings.ToLower(strings.TrimSpace(cal.BreakpointMode))
	if cal.BreakpointMode == "" {
		cal.BreakpointMode = "fixed"
	}
	if !slices.Contains([]string{"fixed", "variable"}, cal.BreakpointMode) {
		errs.addf("calibration.breakpointMode must be fixed or variable, got %q", cal.BreakpointMode)
	}
	if len(cal.SetPoints) == 0 {
		cal.SetPoints = DefaultSetPoints()
	}
	if len(cal.SetPoints) != SetPointCount {
		errs.addf("calibration.setPoints must have %d entries, got %d", SetPointCount, len(cal.SetPoints))
	} else {
		prev := 0.0
		for i, sp := range cal.SetPoints {
			if sp <= prev || sp > 100 {
				errs.addf("calibration.setPoints[%d]: must be increasing within (0,100], got %v", i, sp)
			}
			prev = sp
		}
	}
	if cal.FullScaleFlow <= 0 {
		errs.add("calibration.fullScaleFlow must be > 0 (mg/min)")
	}
	if cal.OvershootPercent < 0 {
		errs.add("calibration.overshootPercent cannot be negative")
	}
	if cal.OvershootMs < 0 || cal.SettleMs < 0 {
		errs.add("calibration overshoot/settle timings cannot be negative")
	}
	if cal.ZeroPollMs <= 0 {
		cal.ZeroPollMs = 500
	}
	if cal.GranularityMs <= 0 {
		cal.GranularityMs = 10
	}
	if cal.BalanceTimeoutMs <= 0 {
		cal.BalanceTimeoutMs = 2000
	}
	if cal.CleanupTimeoutMs <= 0 {
		cal.CleanupTimeoutMs = 1000
	}

	/* Mqtt */
	if c.Mqtt != nil {
		if strings.TrimSpace(c.Mqtt.BrokerURL) == "" {
			errs.add("mqtt.brokerUrl is required when mqtt is configured")
		}
		if c.Mqtt.TopicPrefix == "" {
			c.Mqtt.TopicPrefix = "flowcal/" + c.StationName
		}
		if c.Mqtt.HeartbeatInterval < 0 {
			c.Mqtt.HeartbeatInterval = 60
		}
		if c.Mqtt.HeartbeatInterval == 0 {
			logging.Warn("mqtt heartbeatInterval=0 configured, heartbeats disabled")
		}
	}
	if c.Http != nil && strings.TrimSpace(c.Http.Listen) == "" {
		c.Http.Listen = ":8080"
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLink(errs *multiErr, name string, l *LinkConfig) {
	if strings.TrimSpace(l.Port) == "" {
		errs.addf("%s.port is required", name)
	}
	if l.Baud == 0 {
		l.Baud = 9600
	}
	if l.Baud < 0 {
		errs.addf("%s.baud must be > 0", name)
	}
	if l.DataBits == 0 {
		l.DataBits = 8
	}
	if l.StopBits == 0 {
		l.StopBits = 1
	}
	if l.Parity == "" {
		l.Parity = "N"
	}
	l.Parity = strings.ToUpper(l.Parity)
	if !slices.Contains([]string{"N", "E", "O"}, l.Parity) {
		errs.addf("%s.parity must be one of N,E,O", name)
	}
	if l.TimeoutMs <= 0 {
		l.TimeoutMs = 150
	}
	if l.PollMs <= 0 {
		l.PollMs = 50
	}
	if l.SettleAfterMs < 0 {
		errs.addf("%s.settleAfterWriteMs cannot be negative", name)
	}
	if l.Delimiter == "" {
		l.Delimiter = "\r\n"
	}
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }

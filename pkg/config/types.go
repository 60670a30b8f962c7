/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mfreeman451/btradar/pkg/logger"
)

type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %w", errInvalidDuration, err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

const (
	DefaultDeviceID   = "btradar_point_A"
	DefaultPoint      = "A"
	DefaultTimezone   = "Asia/Kuala_Lumpur"
	DefaultTimeFormat = "Monday, January 02 2006 03:04:05 PM"

	DefaultReportTopic  = "traffic/bluetooth/mac"
	DefaultUpdateTopic  = "traffic/bluetooth/ota"
	DefaultControlTopic = "traffic/bluetooth/control"

	DefaultMaxImageSize = 64 << 20
)

// MQTTConfig holds broker connection settings and channel names.
type MQTTConfig struct {
	Broker         string   `json:"broker"` // e.g., tcp://broker:1883
	ClientID       string   `json:"client_id"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	ReportTopic    string   `json:"report_topic"`
	UpdateTopic    string   `json:"update_topic"`
	ControlTopic   string   `json:"control_topic"`
	QoS            *byte    `json:"qos,omitempty"`
	KeepAlive      Duration `json:"keep_alive"`
	ConnectTimeout Duration `json:"connect_timeout"`
	ReconnectDelay Duration `json:"reconnect_delay"`
}

// ScanConfig drives the discovery loop.
type ScanConfig struct {
	// Command is run once per cycle; "{seconds}" is replaced by the duration.
	Command      []string `json:"command"`
	Duration     Duration `json:"duration"`
	MinIdle      Duration `json:"min_idle"`
	LoopInterval Duration `json:"loop_interval"`
}

type PublishConfig struct {
	MinInterval Duration `json:"min_interval"`
}

type OTAConfig struct {
	ImagePath         string   `json:"image_path"`
	StagingDir        string   `json:"staging_dir"`
	MaxImageSize      int64    `json:"max_image_size"`
	VerifyChecksum    *bool    `json:"verify_checksum,omitempty"`
	InactivityTimeout Duration `json:"inactivity_timeout"`
	RebootDelay       Duration `json:"reboot_delay"`
}

type ControlConfig struct {
	RebootDelay Duration `json:"reboot_delay"`
}

// NodeConfig is the full configuration of a sensor node.
type NodeConfig struct {
	DeviceID         string         `json:"device_id"`
	Point            string         `json:"point"`
	Interface        string         `json:"interface"`
	Timezone         string         `json:"timezone"`
	TimeFormat       string         `json:"time_format"`
	MQTT             MQTTConfig     `json:"mqtt"`
	Scan             ScanConfig     `json:"scan"`
	Publish          PublishConfig  `json:"publish"`
	OTA              OTAConfig      `json:"ota"`
	Control          ControlConfig  `json:"control"`
	HealthListenAddr string         `json:"health_listen_addr"`
	HTTPListenAddr   string         `json:"http_listen_addr"`
	JournalPath      string         `json:"journal_path"`
	Logging          *logger.Config `json:"logging,omitempty"`
}

// ApplyDefaults fills every unset field.
func (c *NodeConfig) ApplyDefaults() {
	setString(&c.DeviceID, DefaultDeviceID)
	setString(&c.Point, DefaultPoint)
	setString(&c.Timezone, DefaultTimezone)
	setString(&c.TimeFormat, DefaultTimeFormat)

	setString(&c.MQTT.ClientID, c.DeviceID)
	setString(&c.MQTT.ReportTopic, DefaultReportTopic)
	setString(&c.MQTT.UpdateTopic, DefaultUpdateTopic)
	setString(&c.MQTT.ControlTopic, DefaultControlTopic)

	if c.MQTT.QoS == nil {
		qos := byte(1)
		c.MQTT.QoS = &qos
	}

	setDuration(&c.MQTT.KeepAlive, 30*time.Second)
	setDuration(&c.MQTT.ConnectTimeout, 10*time.Second)
	setDuration(&c.MQTT.ReconnectDelay, 2*time.Second)

	if len(c.Scan.Command) == 0 {
		c.Scan.Command = []string{"bluetoothctl", "--timeout", "{seconds}", "scan", "on"}
	}

	setDuration(&c.Scan.Duration, 5*time.Second)
	setDuration(&c.Scan.MinIdle, 10*time.Second)
	setDuration(&c.Scan.LoopInterval, 5*time.Second)
	setDuration(&c.Publish.MinInterval, 5*time.Second)

	if c.OTA.StagingDir == "" && c.OTA.ImagePath != "" {
		c.OTA.StagingDir = filepath.Dir(c.OTA.ImagePath)
	}

	if c.OTA.MaxImageSize == 0 {
		c.OTA.MaxImageSize = DefaultMaxImageSize
	}

	if c.OTA.VerifyChecksum == nil {
		verify := true
		c.OTA.VerifyChecksum = &verify
	}

	setDuration(&c.OTA.InactivityTimeout, 60*time.Second)
	setDuration(&c.OTA.RebootDelay, time.Second)
	setDuration(&c.Control.RebootDelay, time.Second)

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}
}

// Validate checks the configuration for values the node cannot run with.
func (c *NodeConfig) Validate() error {
	if c.MQTT.Broker == "" {
		return errBrokerRequired
	}

	if c.MQTT.ReportTopic == "" || c.MQTT.UpdateTopic == "" || c.MQTT.ControlTopic == "" {
		return errTopicRequired
	}

	if c.MQTT.ReportTopic == c.MQTT.UpdateTopic ||
		c.MQTT.ReportTopic == c.MQTT.ControlTopic ||
		c.MQTT.UpdateTopic == c.MQTT.ControlTopic {
		return errTopicsOverlap
	}

	if c.MQTT.QoS != nil && *c.MQTT.QoS > 2 {
		return errInvalidQoS
	}

	if c.OTA.ImagePath == "" {
		return errImagePathRequired
	}

	if c.OTA.MaxImageSize < 0 {
		return errMaxImageSize
	}

	if len(c.Scan.Command) == 0 || c.Scan.Command[0] == "" {
		return errScanCommand
	}

	if c.Scan.Duration <= 0 {
		return errScanDuration
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w %q: %w", errInvalidTimezone, c.Timezone, err)
	}

	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *NodeConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setDuration(dst *Duration, v time.Duration) {
	if *dst == 0 {
		*dst = Duration(v)
	}
}

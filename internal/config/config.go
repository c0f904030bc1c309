// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the gateway's runtime configuration. Environment-
// variable-first per spec §6.3, with the teacher's fixup-and-default idiom
// (fixupSerial) carried over from its YAML-file config loader.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's complete runtime configuration.
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	Device DeviceConfig `mapstructure:"device"`
	Poll   PollConfig   `mapstructure:"poll"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Log    LogConfig    `mapstructure:"log"`
	Store  StoreConfig  `mapstructure:"store"`
}

// SerialConfig describes the RS-485 line the bus serializer opens.
type SerialConfig struct {
	Port             string        `mapstructure:"port"`
	BaudRate         int           `mapstructure:"baud_rate"`
	Timeout          time.Duration `mapstructure:"timeout"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`

	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`

	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// DeviceConfig bounds the unit-id range the discovery sweep probes.
type DeviceConfig struct {
	UnitIDMin int `mapstructure:"unit_id_min"`
	UnitIDMax int `mapstructure:"unit_id_max"`
}

// PollConfig drives the polling scheduler's cadence.
type PollConfig struct {
	IntervalSec       int `mapstructure:"interval_sec"`
	InterFrameDelayMs int `mapstructure:"inter_frame_delay_ms"`
}

// MQTTConfig configures the cloud bridge connection.
type MQTTConfig struct {
	BrokerHost  string `mapstructure:"broker_host"`
	BrokerPort  int    `mapstructure:"broker_port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         int    `mapstructure:"qos"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// HTTPConfig configures the API/WebSocket listener.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	DBPath        string `mapstructure:"db_path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// Load reads configuration from environment variables named in spec §6.3,
// applying defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	bind(v, "serial.port", "MODBUS_PORT")
	bind(v, "serial.baud_rate", "MODBUS_BAUDRATE")
	bind(v, "serial.timeout", "MODBUS_TIMEOUT")
	bind(v, "serial.discovery_timeout", "MODBUS_DISCOVERY_TIMEOUT")
	bind(v, "device.unit_id_min", "DEVICE_UNIT_ID_MIN")
	bind(v, "device.unit_id_max", "DEVICE_UNIT_ID_MAX")
	bind(v, "poll.interval_sec", "POLL_INTERVAL_SEC")
	bind(v, "poll.inter_frame_delay_ms", "INTER_FRAME_DELAY_MS")
	bind(v, "mqtt.broker_host", "MQTT_BROKER_HOST")
	bind(v, "mqtt.broker_port", "MQTT_BROKER_PORT")
	bind(v, "mqtt.username", "MQTT_BROKER_USERNAME")
	bind(v, "mqtt.password", "MQTT_BROKER_PASSWORD")
	bind(v, "mqtt.qos", "MQTT_BROKER_QOS")
	bind(v, "mqtt.topic_prefix", "MQTT_BROKER_TOPIC_PREFIX")
	bind(v, "http.host", "HTTP_HOST")
	bind(v, "http.port", "HTTP_PORT")
	bind(v, "log.level", "LOG_LEVEL")
	bind(v, "log.file", "LOG_FILE")
	bind(v, "store.db_path", "DB_PATH")
	bind(v, "store.retention_days", "RETENTION_DAYS")

	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.timeout", 300*time.Millisecond)
	v.SetDefault("serial.discovery_timeout", 80*time.Millisecond)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("device.unit_id_min", 1)
	v.SetDefault("device.unit_id_max", 247)
	v.SetDefault("poll.interval_sec", 1)
	v.SetDefault("poll.inter_frame_delay_ms", 10)
	v.SetDefault("mqtt.broker_port", 1883)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.topic_prefix", "gateway")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("store.db_path", "./gateway.db")
	v.SetDefault("store.retention_days", 30)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	fixupSerial(&cfg.Serial)
	return &cfg, nil
}

func bind(v *viper.Viper, key, env string) {
	v.BindEnv(key, env) //nolint:errcheck
}

// fixupSerial applies the same defaulting/normalization the teacher's
// config loader applies to serial parameters read from free-form sources.
func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 300 * time.Millisecond
	}
	if s.DiscoveryTimeout == 0 {
		s.DiscoveryTimeout = 80 * time.Millisecond
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
}

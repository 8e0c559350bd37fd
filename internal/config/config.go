// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Link      LinkConfig      `mapstructure:"link"`
	Master    MasterConfig    `mapstructure:"master"`
	Tables    []TableConfig   `mapstructure:"tables"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// LinkConfig defines the link the master talks over
type LinkConfig struct {
	Type   string       `mapstructure:"type"`   // "serial", "tcp", "udp"
	Device string       `mapstructure:"device"` // framing: "rtu", "tcp", "ascii"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "tcp" or "udp"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "serial"
}

// MasterConfig defines transaction engine settings
type MasterConfig struct {
	SlaveID           int           `mapstructure:"slave_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
}

// TableConfig defines one data table polled by the master
type TableConfig struct {
	Title    string        `mapstructure:"title"`
	Kind     string        `mapstructure:"kind"` // "holding", "input", "coils", "discrete"
	Address  int           `mapstructure:"address"`
	Count    int           `mapstructure:"count"`
	Columns  int           `mapstructure:"columns"`
	ScanRate time.Duration `mapstructure:"scan_rate"`
}

// MetricsConfig defines the prometheus endpoint
type MetricsConfig struct {
	Address string `mapstructure:"address"` // e.g. ":9502", empty disables
}

// SimulatorConfig defines the simulated slave
type SimulatorConfig struct {
	Address     string            `mapstructure:"address"`
	Device      string            `mapstructure:"device"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address     string        `mapstructure:"address"` // e.g. "192.168.1.100:502"
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device    string        `mapstructure:"device"`
	BaudRate  int           `mapstructure:"baud_rate"`
	DataBits  int           `mapstructure:"data_bits"`
	Parity    string        `mapstructure:"parity"`
	StopBits  int           `mapstructure:"stop_bits"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RqstPause time.Duration `mapstructure:"rqst_pause"` // Pause between requests

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":      "log.level",
	"log-file":       "log.file",
	"link":           "link.type",
	"device-type":    "link.device",
	"address":        "link.tcp.address",
	"serial":         "link.serial.device",
	"baud-rate":      "link.serial.baud_rate",
	"parity":         "link.serial.parity",
	"slave-id":       "master.slave_id",
	"timeout":        "master.timeout",
	"metrics":        "metrics.address",
	"listen":         "simulator.address",
	"persistence":    "simulator.persistence.type",
	"storage":        "simulator.persistence.path",
	"reconnect":      "master.reconnect_attempts",
	"reconnect-wait": "master.reconnect_backoff",
}

// NewFlagSet returns a flag set carrying the common overrides. Commands add
// their own flags before parsing it.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log-file", "L", "", "Log file name (empty for STDOUT).")
	fs.String("link", "tcp", "Link type (serial, tcp, udp).")
	fs.StringP("device-type", "m", "rtu", "Framing (rtu, tcp, ascii).")
	fs.StringP("address", "a", "127.0.0.1:502", "Remote slave address for tcp and udp links.")
	fs.StringP("serial", "p", "/dev/ttyUSB0", "Serial port device name.")
	fs.IntP("baud-rate", "b", 19200, "Serial port speed.")
	fs.String("parity", "N", "Serial port parity (N, E, O).")
	fs.IntP("slave-id", "s", 1, "Slave address.")
	fs.DurationP("timeout", "t", time.Second, "Response wait time.")
	fs.Int("reconnect", 1, "Connect attempts made by a reconnect.")
	fs.Duration("reconnect-wait", 0, "Initial pause between reconnect attempts.")
	fs.String("metrics", "", "Prometheus listen address (empty disables).")
	fs.StringP("listen", "l", "0.0.0.0:502", "Simulator listen address.")
	fs.String("persistence", "memory", "Simulator storage (memory, file, mmap).")
	fs.String("storage", "", "Simulator storage file.")
	return fs
}

// LoadConfig loads configuration from the file named by the "config" flag,
// then applies any flag explicitly set on fs. fs may be nil.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("link.type", "tcp")
	v.SetDefault("link.device", "rtu")
	v.SetDefault("link.tcp.address", "127.0.0.1:502")
	v.SetDefault("link.serial.device", "/dev/ttyUSB0")
	v.SetDefault("link.serial.baud_rate", 19200)
	v.SetDefault("link.serial.data_bits", 8)
	v.SetDefault("link.serial.parity", "N")
	v.SetDefault("link.serial.stop_bits", 1)
	v.SetDefault("master.slave_id", 1)
	v.SetDefault("master.timeout", time.Second)
	v.SetDefault("master.reconnect_attempts", 1)
	v.SetDefault("simulator.address", "0.0.0.0:502")
	v.SetDefault("simulator.device", "tcp")
	v.SetDefault("simulator.persistence.type", "memory")

	var configFile string
	if fs != nil {
		configFile, _ = fs.GetString("config")
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-master/")
		v.AddConfigPath("$HOME/.modbus-master")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// Flags alone are enough to run without a file.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	config.Link.Type = strings.ToLower(config.Link.Type)
	fixupSerial(&config.Link.Serial)
	fixupTcp(&config.Link.Tcp)
	fixupMaster(&config.Master)
	for i := range config.Tables {
		if err := fixupTable(&config.Tables[i]); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
	if s.RqstPause == 0 {
		s.RqstPause = 100 * time.Millisecond
	}
}

func fixupTcp(t *TcpConfig) {
	if t.DialTimeout == 0 {
		t.DialTimeout = 5 * time.Second
	}
	if t.IdleTimeout == 0 {
		t.IdleTimeout = 60 * time.Second
	}
}

func fixupMaster(m *MasterConfig) {
	if m.SlaveID <= 0 || m.SlaveID > 247 {
		m.SlaveID = 1
	}
	if m.Timeout <= 0 {
		m.Timeout = time.Second
	}
	if m.ReconnectAttempts <= 0 {
		m.ReconnectAttempts = 1
	}
}

func fixupTable(t *TableConfig) error {
	t.Kind = strings.ToLower(t.Kind)
	switch t.Kind {
	case "holding", "input", "coils", "discrete":
	default:
		return fmt.Errorf("table %q: unknown kind %q", t.Title, t.Kind)
	}
	if t.Title == "" {
		t.Title = fmt.Sprintf("%s@%d", t.Kind, t.Address)
	}
	if t.Count <= 0 {
		t.Count = 10
	}
	if t.Columns <= 0 {
		t.Columns = 1
	}
	if t.ScanRate <= 0 {
		t.ScanRate = time.Second
	}
	return nil
}

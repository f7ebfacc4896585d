// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"time"
)

// SyslogConfig controls forwarding of log lines to a remote syslog server.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"` // "udp" or "tcp"
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"` // RFC 3164 facility code
}

// DefaultSyslogConfig returns the default (disabled) syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "governor",
		Facility: 1, // user-level
	}
}

// SyslogWriter forwards writes as RFC 3164 messages.
type SyslogWriter struct {
	conn     net.Conn
	tag      string
	hostname string
	priority int
}

// NewSyslogWriter connects to the configured syslog server. Host is
// required; port, protocol, and tag fall back to defaults.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "governor"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog server %s: %w", addr, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	return &SyslogWriter{
		conn:     conn,
		tag:      cfg.Tag,
		hostname: hostname,
		priority: cfg.Facility*8 + 6, // severity: informational
	}, nil
}

// Write implements io.Writer.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	msg := fmt.Sprintf("<%d>%s %s %s: %s",
		w.priority,
		time.Now().Format(time.Stamp),
		w.hostname,
		w.tag,
		string(p))
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the connection to the syslog server.
func (w *SyslogWriter) Close() error {
	return w.conn.Close()
}

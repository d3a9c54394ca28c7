// Package config loads and layers relaymta's configuration: a TOML file
// parsed into defaults, then environment variable overrides, matching the
// precedence (env > file > defaults) and the flat override-only-if-set
// merge style of infodancer-smtpd/internal/config.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/relaymta/relaymta/internal/dispatch"
)

// ListenerConfig describes one SMTP ingress listener.
type ListenerConfig struct {
	Address             string `toml:"address"`
	RequireProxyProtocol bool  `toml:"require_proxy_protocol"`
}

// TLSConfig names the certificate/key pair ingress presents on STARTTLS.
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// LimitsConfig bounds one SMTP transaction.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// SpoolConfig names the on-disk or SQLite spool backend.
type SpoolConfig struct {
	Type    string `toml:"type"` // "filesystem" or "sqlite"
	Path    string `toml:"path"`
	InDir   string `toml:"in_dir"`
}

// RetryConfig tunes the back-off schedule spec.md leaves unspecified and
// this repo's internal/retry.Schedule fixes (DESIGN.md Open Question #1).
type RetryConfig struct {
	Base            time.Duration `toml:"base"`
	MaxAge          time.Duration `toml:"max_age"`
	BounceRulesPath string        `toml:"bounce_rules_path"`
}

// DispatchConfig tunes outbound connection behavior.
type DispatchConfig struct {
	Hostname                  string `toml:"hostname"`
	TLSPolicy                 string `toml:"tls_policy"`
	OpportunisticTLSReconnect bool   `toml:"opportunistic_tls_reconnect"`
	AuthUsername              string `toml:"auth_username"`
	AuthPassword              string `toml:"auth_password"`
}

// AdminConfig binds the admin HTTP API.
type AdminConfig struct {
	Address      string   `toml:"address"`
	AuthUser     string   `toml:"auth_user"`
	AuthPassHash string   `toml:"auth_pass_hash"`
	TrustedIPs   []string `toml:"trusted_ips"`
}

// LogConfig points at the append-only record segment directory and an
// optional webhook fan-out target.
type LogConfig struct {
	SegmentDir    string `toml:"segment_dir"`
	MaxSegmentMB  int    `toml:"max_segment_mb"`
	WebhookURL    string `toml:"webhook_url"`
}

// BatchHandling is spec.md §6's KUMOD_BATCH_HANDLING enum.
type BatchHandling string

const (
	BatchNone      BatchHandling = "None"
	BatchByDomain  BatchHandling = "BatchByDomain"
)

// Config is the fully-resolved document relaymtad loads at startup.
type Config struct {
	Hostname string `toml:"hostname"`
	LogLevel string `toml:"log_level"`

	Listeners []ListenerConfig `toml:"listeners"`
	TLS       TLSConfig        `toml:"tls"`
	Limits    LimitsConfig     `toml:"limits"`
	Spool     SpoolConfig      `toml:"spool"`
	Retry     RetryConfig      `toml:"retry"`
	Dispatch  DispatchConfig   `toml:"dispatch"`
	Admin     AdminConfig      `toml:"admin"`
	Log       LogConfig        `toml:"log"`

	BatchHandling    BatchHandling `toml:"batch_handling"`
	WantRebind       bool          `toml:"want_rebind"`
	ProxyServerAddr  string        `toml:"proxy_server_address"`
	RequireProxyTest bool          `toml:"require_proxy_protocol_test"`
}

// Default returns the baseline configuration used when no file is present
// and no overrides apply.
func Default() Config {
	return Config{
		Hostname: "localhost.localdomain",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: "0.0.0.0:25"},
		},
		Limits: LimitsConfig{
			MaxMessageSize: 32 * 1024 * 1024,
			MaxRecipients:  100,
		},
		Spool: SpoolConfig{
			Type:  "filesystem",
			Path:  "/var/spool/relaymta",
			InDir: "/var/spool/relaymta/in",
		},
		Retry: RetryConfig{
			Base:   60 * time.Second,
			MaxAge: 20 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Hostname:  "localhost.localdomain",
			TLSPolicy: "Opportunistic",
		},
		Admin: AdminConfig{
			Address: "127.0.0.1:8080",
		},
		Log: LogConfig{
			SegmentDir:   "/var/spool/relaymta/log",
			MaxSegmentMB: 64,
		},
		BatchHandling: BatchByDomain,
	}
}

// Load reads and parses a TOML file at path into the defaults, returning
// the defaults unchanged if the file does not exist (matching
// infodancer-smtpd/internal/config.Load's missing-file tolerance).
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fileCfg Config
	if err := toml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return merge(cfg, fileCfg), nil
}

// merge overlays non-zero fields of src onto dst, field by field, the way
// infodancer-smtpd's mergeConfig does rather than replacing dst wholesale
// (an empty [admin] table in the file must not blank out admin defaults).
func merge(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}
	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}
	if src.Spool.Type != "" {
		dst.Spool.Type = src.Spool.Type
	}
	if src.Spool.Path != "" {
		dst.Spool.Path = src.Spool.Path
	}
	if src.Spool.InDir != "" {
		dst.Spool.InDir = src.Spool.InDir
	}
	if src.Retry.Base > 0 {
		dst.Retry.Base = src.Retry.Base
	}
	if src.Retry.MaxAge > 0 {
		dst.Retry.MaxAge = src.Retry.MaxAge
	}
	if src.Retry.BounceRulesPath != "" {
		dst.Retry.BounceRulesPath = src.Retry.BounceRulesPath
	}
	if src.Dispatch.Hostname != "" {
		dst.Dispatch.Hostname = src.Dispatch.Hostname
	}
	if src.Dispatch.TLSPolicy != "" {
		dst.Dispatch.TLSPolicy = src.Dispatch.TLSPolicy
	}
	if src.Dispatch.AuthUsername != "" {
		dst.Dispatch.AuthUsername = src.Dispatch.AuthUsername
	}
	if src.Dispatch.AuthPassword != "" {
		dst.Dispatch.AuthPassword = src.Dispatch.AuthPassword
	}
	if src.Dispatch.OpportunisticTLSReconnect {
		dst.Dispatch.OpportunisticTLSReconnect = src.Dispatch.OpportunisticTLSReconnect
	}
	if src.Admin.Address != "" {
		dst.Admin.Address = src.Admin.Address
	}
	if src.Admin.AuthUser != "" {
		dst.Admin.AuthUser = src.Admin.AuthUser
	}
	if src.Admin.AuthPassHash != "" {
		dst.Admin.AuthPassHash = src.Admin.AuthPassHash
	}
	if len(src.Admin.TrustedIPs) > 0 {
		dst.Admin.TrustedIPs = src.Admin.TrustedIPs
	}
	if src.Log.SegmentDir != "" {
		dst.Log.SegmentDir = src.Log.SegmentDir
	}
	if src.Log.MaxSegmentMB > 0 {
		dst.Log.MaxSegmentMB = src.Log.MaxSegmentMB
	}
	if src.Log.WebhookURL != "" {
		dst.Log.WebhookURL = src.Log.WebhookURL
	}
	if src.BatchHandling != "" {
		dst.BatchHandling = src.BatchHandling
	}
	if src.WantRebind {
		dst.WantRebind = src.WantRebind
	}
	if src.ProxyServerAddr != "" {
		dst.ProxyServerAddr = src.ProxyServerAddr
	}
	if src.RequireProxyTest {
		dst.RequireProxyTest = src.RequireProxyTest
	}
	return dst
}

// ParsedTLSPolicy resolves Dispatch.TLSPolicy into dispatch.TLSPolicy,
// defaulting to dispatch.Opportunistic on an empty value the way Default()
// itself defaults to "Opportunistic". An unrecognized value is an error.
func (c Config) ParsedTLSPolicy() (dispatch.TLSPolicy, error) {
	if c.Dispatch.TLSPolicy == "" {
		return dispatch.Opportunistic, nil
	}
	return dispatch.ParseTLSPolicy(c.Dispatch.TLSPolicy)
}

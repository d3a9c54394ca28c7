package config

import "os"

// ApplyEnv layers the environment variables spec.md §6 names onto cfg,
// matching infodancer-smtpd/internal/config/env.go's set-only-if-present
// style. Environment variables take precedence over the TOML file but are
// overridden by nothing further (this repo has no CLI flag layer over
// Config; rmtactl's own flags are a separate concern).
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("KUMOD_ENABLE_TLS"); v != "" {
		cfg.Dispatch.TLSPolicy = v
	}
	if v := os.Getenv("KUMOD_OPPORTUNISTIC_TLS_RECONNECT"); v != "" {
		cfg.Dispatch.OpportunisticTLSReconnect = v == "true"
	}
	if v := os.Getenv("KUMOD_BATCH_HANDLING"); v != "" {
		cfg.BatchHandling = BatchHandling(v)
	}
	if v := os.Getenv("KUMOD_SMTP_AUTH_USERNAME"); v != "" {
		cfg.Dispatch.AuthUsername = v
	}
	if v := os.Getenv("KUMOD_SMTP_AUTH_PASSWORD"); v != "" {
		cfg.Dispatch.AuthPassword = v
	}
	if v := os.Getenv("KUMO_PROXY_SERVER_ADDRESS"); v != "" {
		cfg.ProxyServerAddr = v
		if len(cfg.Listeners) > 0 {
			cfg.Listeners[0].Address = v
		} else {
			cfg.Listeners = []ListenerConfig{{Address: v}}
		}
	}
	if v := os.Getenv("KUMOD_TEST_REQUIRE_PROXY_PROTOCOL"); v != "" {
		req := v == "true"
		cfg.RequireProxyTest = req
		for i := range cfg.Listeners {
			cfg.Listeners[i].RequireProxyProtocol = req
		}
	}
	if v := os.Getenv("KUMOD_WANT_REBIND"); v != "" {
		cfg.WantRebind = v == "true"
	}
	return cfg
}

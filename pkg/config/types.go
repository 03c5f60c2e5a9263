package config

// Config is the on-disk YAML configuration.
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		TLS     struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
		// Engine selects the listener adapter: "nethttp" (default) or
		// "fasthttp".
		Engine string `yaml:"engine"`
	} `yaml:"server"`

	Storage struct {
		DBPath string `yaml:"db_path"`
		// CacheSize is the block cache size in bytes.
		CacheSize int64 `yaml:"cache_size"`
	} `yaml:"storage"`

	Federation struct {
		// ServerName is this homeserver's origin.
		ServerName string `yaml:"server_name"`
		// KeyDir holds the Ed25519 signing key.
		KeyDir string `yaml:"key_dir"`
		// DeniedServers are dropped at the ACCESS phase.
		DeniedServers []string `yaml:"denied_servers"`
		// FetchInflight bounds concurrent fetches (0 = default).
		FetchInflight int `yaml:"fetch_inflight"`
	} `yaml:"federation"`

	Reaper struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
		// HorizonRetry caps horizon rows re-submitted per sweep.
		HorizonRetry int `yaml:"horizon_retry"`
	} `yaml:"reaper"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Addr joins the configured listen address and port.
func (c *Config) Addr() string {
	host := c.Server.Address
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = 8448
	}
	return hostPort(host, port)
}

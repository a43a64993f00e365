package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option plus the agent deployment it boots with.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Agent  AgentConfig  `koanf:"agent"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Admin   AdminConfig       `koanf:"admin"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// AdminConfig places the diagnostics routes under a path prefix that is
// never intercepted.
type AdminConfig struct {
	Prefix string `koanf:"prefix"`
}

type ServerCacheConfig struct {
	Backend   string                 `koanf:"backend"`
	Namespace string                 `koanf:"namespace"`
	Redis     ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// AgentConfig describes the origin the agent fronts and the deployment it
// installs at startup.
type AgentConfig struct {
	Origin              string   `koanf:"origin"`
	Version             string   `koanf:"version"`
	Shell               string   `koanf:"shell"`
	Manifest            []string `koanf:"manifest"`
	DeploymentFile      string   `koanf:"deploymentFile"`
	Watch               bool     `koanf:"watch"`
	Navigation          string   `koanf:"navigation"`
	FetchTimeoutSeconds int      `koanf:"fetchTimeoutSeconds"`
}

// Deployment is the unit the host installs: a version string naming the
// store, the shell served for navigations and the assets to pre-cache.
type Deployment struct {
	Version  string   `koanf:"version" json:"version"`
	Shell    string   `koanf:"shell" json:"shell"`
	Manifest []string `koanf:"manifest" json:"manifest"`
}

// Deployment returns the inline deployment carried by the agent block,
// normalized.
func (a AgentConfig) Deployment() Deployment {
	return Deployment{
		Version:  a.Version,
		Shell:    a.Shell,
		Manifest: a.Manifest,
	}.Normalize()
}

// Normalize returns a copy with surrounding whitespace trimmed from the
// version, the shell and every manifest entry.
func (d Deployment) Normalize() Deployment {
	out := Deployment{
		Version: strings.TrimSpace(d.Version),
		Shell:   strings.TrimSpace(d.Shell),
	}
	if d.Manifest != nil {
		out.Manifest = make([]string, len(d.Manifest))
		for i, path := range d.Manifest {
			out.Manifest[i] = strings.TrimSpace(path)
		}
	}
	return out
}

// Validate checks a deployment before it is handed to an agent. The version
// must already be trimmed, since it names the store verbatim.
func (d Deployment) Validate() error {
	if d.Version == "" {
		return errors.New("config: deployment version required")
	}
	if d.Version != strings.TrimSpace(d.Version) {
		return fmt.Errorf("config: deployment version has surrounding whitespace: %q", d.Version)
	}
	if err := validatePath("shell", d.Shell); err != nil {
		return err
	}
	if len(d.Manifest) == 0 {
		return errors.New("config: deployment manifest empty")
	}
	for i, path := range d.Manifest {
		if err := validatePath(fmt.Sprintf("manifest[%d]", i), path); err != nil {
			return err
		}
	}
	return nil
}

func validatePath(field, path string) error {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return fmt.Errorf("config: deployment %s must be an absolute path: %q", field, path)
	}
	if _, err := url.Parse(path); err != nil {
		return fmt.Errorf("config: deployment %s is malformed: %w", field, err)
	}
	return nil
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	prefix := strings.TrimSpace(c.Server.Admin.Prefix)
	if prefix == "" || prefix == "/" || !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("config: server.admin.prefix invalid: %q", c.Server.Admin.Prefix)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if strings.TrimSpace(c.Agent.Origin) == "" {
		return errors.New("config: agent.origin required")
	}
	if c.Agent.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("config: agent.fetchTimeoutSeconds invalid: %d", c.Agent.FetchTimeoutSeconds)
	}
	if c.Agent.Watch && strings.TrimSpace(c.Agent.DeploymentFile) == "" {
		return errors.New("config: agent.watch requires agent.deploymentFile")
	}
	if err := c.Agent.Deployment().Validate(); err != nil {
		return err
	}
	return nil
}

// DefaultManifest lists the application shell assets pre-cached at install.
func DefaultManifest() []string {
	return []string{
		"/",
		"/index.html",
		"/style.css",
		"/app.js",
		"/manifest.json",
		"/icon.png",
		"/icon-192.png",
		"/icon-512.png",
	}
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Admin: AdminConfig{
				Prefix: "/_offlinectl",
			},
			Cache: ServerCacheConfig{
				Backend:   "memory",
				Namespace: "offlinectl",
			},
		},
		Agent: AgentConfig{
			Origin:              "http://127.0.0.1:8081",
			Version:             "biskra-cs-v4",
			Shell:               "/index.html",
			Manifest:            DefaultManifest(),
			FetchTimeoutSeconds: 30,
		},
	}
}

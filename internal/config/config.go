// Package config loads the YAML configuration for each side of the tunnel
// (spec.md §6). Grounded on the teacher's flag-parsing conventions in
// main.go for field naming and on the pack's YAML-consuming services
// (haloydev-haloy, ekaya-inc-ekaya-engine) for using gopkg.in/yaml.v3
// struct tags rather than a hand-rolled parser.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// RemoteServer is one entry in LocalConfig's remote-server list: a named
// tunnel endpoint to dial.
type RemoteServer struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

// Proxy is one entry in LocalConfig's proxy_list: a single exposed service.
type Proxy struct {
	Type       string `yaml:"type"`
	Local      uint16 `yaml:"local"`
	Remote     uint16 `yaml:"remote"`
	RemoteName string `yaml:"remote_name"`
}

// LocalConfig is the local side's configuration (spec.md §6).
type LocalConfig struct {
	RemoteServers []RemoteServer `yaml:"remote-server"`
	ProxyList     []Proxy        `yaml:"proxy_list"`
}

// RemoteConfig is the remote side's configuration (spec.md §6).
type RemoteConfig struct {
	Bind string `yaml:"bind"`
}

// LoadLocal reads and validates a LocalConfig from path.
func LoadLocal(path string) (*LocalConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c LocalConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// LoadRemote reads and validates a RemoteConfig from path.
func LoadRemote(path string) (*RemoteConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c RemoteConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks a LocalConfig is well-formed: every remote-server has a
// name and a tcp:// or ws:// address, every proxy names a known
// remote_name, and no two remote-servers share a name.
func (c *LocalConfig) Validate() error {
	names := make(map[string]bool, len(c.RemoteServers))
	for _, r := range c.RemoteServers {
		if r.Name == "" {
			return fmt.Errorf("remote-server entry missing name")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate remote-server name %q", r.Name)
		}
		names[r.Name] = true
		if err := validateTunnelAddr(r.Addr); err != nil {
			return fmt.Errorf("remote-server %q: %w", r.Name, err)
		}
	}
	for _, p := range c.ProxyList {
		if p.Local == 0 {
			return fmt.Errorf("proxy_list entry missing local port")
		}
		if p.Remote == 0 {
			return fmt.Errorf("proxy_list entry %d missing remote port", p.Local)
		}
		if p.RemoteName == "" {
			return fmt.Errorf("proxy_list entry %d missing remote_name", p.Local)
		}
		if !names[p.RemoteName] {
			return fmt.Errorf("proxy_list entry %d references unknown remote_name %q", p.Local, p.RemoteName)
		}
	}
	return nil
}

// Validate checks a RemoteConfig is well-formed.
func (c *RemoteConfig) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("bind is required")
	}
	return validateTunnelAddr(c.Bind)
}

// DetectMode inspects path's top-level YAML keys to infer which side a
// config file belongs to, for the no-subcommand invocation style the
// original tool also supported: "remote-server" present means local mode,
// "bind" present means remote mode.
func DetectMode(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read %s: %w", path, err)
	}
	var probe struct {
		RemoteServers []RemoteServer `yaml:"remote-server"`
		Bind          string         `yaml:"bind"`
	}
	if err := yaml.Unmarshal(b, &probe); err != nil {
		return "", fmt.Errorf("config: parse %s: %w", path, err)
	}
	switch {
	case len(probe.RemoteServers) > 0:
		return "local", nil
	case probe.Bind != "":
		return "remote", nil
	default:
		return "", fmt.Errorf("config: %s has neither remote-server nor bind; cannot infer mode", path)
	}
}

func validateTunnelAddr(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "tcp", "ws":
	default:
		return fmt.Errorf("address %q: scheme must be tcp or ws", addr)
	}
	if u.Host == "" {
		return fmt.Errorf("address %q: missing host:port", addr)
	}
	return nil
}

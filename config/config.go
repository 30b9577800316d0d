package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/semihalev/log"
	"github.com/spf13/viper"
)

// Protocol is the transport used to reach an upstream group.
type Protocol string

// Supported upstream transports.
const (
	ProtocolUDP   Protocol = "Udp"
	ProtocolTCP   Protocol = "Tcp"
	ProtocolTLS   Protocol = "Tls"
	ProtocolHTTPS Protocol = "Https"
)

// Valid reports whether p is a known transport.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolUDP, ProtocolTCP, ProtocolTLS, ProtocolHTTPS:
		return true
	}
	return false
}

// DefaultPort returns the transport's well-known port.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolTLS:
		return 853
	case ProtocolHTTPS:
		return 443
	default:
		return 53
	}
}

// Timeout returns the per-attempt timeout for the transport.
func (p Protocol) Timeout() time.Duration {
	if p == ProtocolUDP {
		return 2 * time.Second
	}
	return 10 * time.Second
}

// Proxy is a named egress proxy. Only socks5 is supported.
type Proxy struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Address  string `mapstructure:"proxyAddress"`
	Port     int    `mapstructure:"proxyPort"`
	Username string `mapstructure:"proxyUsername"`
	Password string `mapstructure:"proxyPassword"`
}

// Addr returns the proxy's host:port.
func (p Proxy) Addr() string {
	return p.Address + ":" + strconv.Itoa(p.Port)
}

// Server is a named upstream group.
type Server struct {
	Name      string   `mapstructure:"name"`
	Proxy     string   `mapstructure:"proxy"`
	Dnssec    bool     `mapstructure:"dnssecValidation"`
	Protocol  Protocol `mapstructure:"forwarderProtocol"`
	Addresses []string `mapstructure:"forwarderAddresses"`
}

// Rule routes matching query names to the named upstream group.
type Rule struct {
	Domain    []string `mapstructure:"domain"`
	DNSServer string   `mapstructure:"dnsServer"`
}

// SmartDNS is the SmartDnsConfig document section.
type SmartDNS struct {
	Bind        string `mapstructure:"bind"`
	BindDOH     string `mapstructure:"bindDOH"`
	LogLevel    string `mapstructure:"logLevel"`
	AccessLog   string `mapstructure:"accessLog"`
	GeositeFile string `mapstructure:"geositeFile"`

	// Retries is the number of extra upstream attempts after the first
	// round fails. Timeout overrides the per-transport attempt timeout
	// when set, e.g. "2s"; zero keeps the transport defaults.
	Retries int           `mapstructure:"retries"`
	Timeout time.Duration `mapstructure:"timeout"`

	UDPPoolSize      int   `mapstructure:"udpPoolSize"`
	ExcludedPorts    []int `mapstructure:"excludedPorts"`
	SuffixMatchLabel bool  `mapstructure:"suffixMatchLabel"`

	ProxyServers []Proxy  `mapstructure:"proxyServers"`
	DNSServers   []Server `mapstructure:"dnsServers"`
	Rules        []Rule   `mapstructure:"rules"`
}

// Config type
type Config struct {
	SmartDNS SmartDNS `mapstructure:"SmartDnsConfig"`

	sVersion string
}

// ServerVersion returns the running server version.
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Server returns the upstream group named name.
func (c *Config) Server(name string) (Server, bool) {
	for _, s := range c.SmartDNS.DNSServers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// Proxy returns the proxy record named name.
func (c *Config) Proxy(name string) (Proxy, bool) {
	for _, p := range c.SmartDNS.ProxyServers {
		if p.Name == name {
			return p, true
		}
	}
	return Proxy{}, false
}

// Load loads and validates the given JSON config file.
func Load(cfgfile, version string) (*Config, error) {
	log.Info("Loading config file", "path", cfgfile)

	v := viper.New()
	v.SetConfigFile(cfgfile)
	v.SetConfigType("json")

	v.SetDefault("SmartDnsConfig.bind", ":5383")
	v.SetDefault("SmartDnsConfig.bindDOH", ":8125")
	v.SetDefault("SmartDnsConfig.logLevel", "info")
	v.SetDefault("SmartDnsConfig.geositeFile", "geosite.dat")
	v.SetDefault("SmartDnsConfig.retries", 5)
	v.SetDefault("SmartDnsConfig.udpPoolSize", 2500)
	v.SetDefault("SmartDnsConfig.suffixMatchLabel", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	config := new(Config)
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	config.sVersion = version

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	sc := &c.SmartDNS

	if len(sc.DNSServers) == 0 {
		return fmt.Errorf("config: no dnsServers defined")
	}

	if len(sc.Rules) == 0 {
		return fmt.Errorf("config: no rules defined")
	}

	proxies := make(map[string]struct{}, len(sc.ProxyServers))
	for _, p := range sc.ProxyServers {
		if !strings.EqualFold(p.Type, "socks5") {
			return fmt.Errorf("config: proxy %q has unsupported type %q", p.Name, p.Type)
		}
		if p.Address == "" || p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("config: proxy %q has invalid address", p.Name)
		}
		if _, dup := proxies[p.Name]; dup {
			return fmt.Errorf("config: duplicate proxy name %q", p.Name)
		}
		proxies[p.Name] = struct{}{}
	}

	servers := make(map[string]struct{}, len(sc.DNSServers))
	for _, s := range sc.DNSServers {
		if !s.Protocol.Valid() {
			return fmt.Errorf("config: server %q has unknown forwarderProtocol %q", s.Name, s.Protocol)
		}
		if len(s.Addresses) == 0 {
			return fmt.Errorf("config: server %q has no forwarderAddresses", s.Name)
		}
		if s.Proxy != "" {
			if _, ok := proxies[s.Proxy]; !ok {
				return fmt.Errorf("config: server %q references unknown proxy %q", s.Name, s.Proxy)
			}
		}
		if _, dup := servers[s.Name]; dup {
			return fmt.Errorf("config: duplicate server name %q", s.Name)
		}
		servers[s.Name] = struct{}{}
	}

	for i, r := range sc.Rules {
		if len(r.Domain) == 0 {
			return fmt.Errorf("config: rule %d has no domain patterns", i)
		}
		if _, ok := servers[r.DNSServer]; !ok {
			return fmt.Errorf("config: rule %d references unknown dnsServer %q", i, r.DNSServer)
		}
	}

	return nil
}

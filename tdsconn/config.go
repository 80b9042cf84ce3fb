package tdsconn

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures a Conn. It is yaml.Unmarshal-able the way
// joaobrasildev/poc-connection-pooling-for-some-rds loads its pool
// configuration from a YAML file — the same library, the same
// "load a file, then let callers override fields in code" shape.
type Config struct {
	// PacketSize is the TDS packet size negotiated at login. A value
	// outside [wire.MinPacketSize, wire.MaxPacketSize] (including 0) is
	// replaced with wire.DefaultPacketSize on use.
	PacketSize int `yaml:"packet_size"`

	// ReadTimeout/WriteTimeout bound individual transport operations.
	// Zero means no deadline.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// TLS is used only if a Request's negotiation (requests.Prelogin)
	// emits the sslKickoff sentinel; a nil TLS with encryption
	// requested produces the protocolError scenario C describes.
	TLS *tls.Config `yaml:"-"`

	// SPID is written into the SPID field of every outbound packet
	// header; servers generally assign their own, but a client has no
	// SPID of its own until the server tells it one, so this is mostly
	// useful for tests driving both ends of a connection.
	SPID uint16 `yaml:"spid"`
}

// DefaultConfig returns a Config with the spec's default packet size
// and no timeouts.
func DefaultConfig() Config {
	return Config{
		PacketSize: 4096,
	}
}

// LoadConfigFile reads and parses a YAML config file, as
// cmd/tdsdial does at startup.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

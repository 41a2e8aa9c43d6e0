package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/emberchat/ember/internal/util"
)

type Config struct {
	Relay   Relay   `json:"relay"`
	Client  Client  `json:"client"`
	Profile Profile `json:"profile"`
	Log     Log     `json:"log"`
}

type Relay struct {
	// Bind address for the relay server. Default "127.0.0.1" (localhost
	// only). Set to "0.0.0.0" to accept connections from other machines.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Public URL for the relay (e.g., "https://relay.example.org").
	// Required for servers behind NAT or reverse proxies.
	ExternalURL string `json:"external_url"`

	// Password for the /logs.json monitoring endpoint (HTTP Basic Auth,
	// user: "admin"). Empty means the endpoint is disabled (returns 403).
	AdminPassword string `json:"admin_password"`

	// Seconds an empty room is kept before it is reaped. 0 = default.
	RoomIdleSec int `json:"room_idle_sec"`

	// Shared secret for minting short-lived TURN credentials. Empty
	// means /turn-credentials answers 204 and clients go direct-only.
	TurnSecret string   `json:"turn_secret"`
	TurnURIs   []string `json:"turn_uris"`
	TurnTTLSec int      `json:"turn_ttl_sec"`
}

type Client struct {
	// Relay base URL, e.g. "http://127.0.0.1:8989".
	RelayURL string `json:"relay_url"`

	// Extra STUN/TURN server URIs tried before any relay-minted ones.
	IceServers []string `json:"ice_servers"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			Bind:        "127.0.0.1",
			Port:        8989,
			RoomIdleSec: 60,
			TurnTTLSec:  600,
		},
		Client: Client{
			RelayURL:   "http://127.0.0.1:8989",
			IceServers: []string{"stun:stun.l.google.com:19302"},
		},
		Profile: Profile{
			DisplayName: "anon",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Relay
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("relay.bind must be a valid IP address")
		}
	}
	if c.Relay.RoomIdleSec < 0 {
		return errors.New("relay.room_idle_sec must be >= 0")
	}
	if c.Relay.TurnSecret != "" {
		if len(c.Relay.TurnURIs) == 0 {
			return errors.New("relay.turn_uris is required when turn_secret is set")
		}
		if c.Relay.TurnTTLSec <= 0 {
			return errors.New("relay.turn_ttl_sec must be > 0 when turn_secret is set")
		}
	}
	if eu := strings.TrimSpace(c.Relay.ExternalURL); eu != "" {
		if err := validateHTTPURL(eu); err != nil {
			return fmt.Errorf("relay.external_url: %w", err)
		}
	}

	// Client
	ru := strings.TrimSpace(c.Client.RelayURL)
	if ru == "" {
		return errors.New("client.relay_url is required")
	}
	if err := validateHTTPURL(ru); err != nil {
		return fmt.Errorf("client.relay_url: %w", err)
	}
	for _, s := range c.Client.IceServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("client.ice_servers: %q must be a stun:/turn:/turns: URI", s)
		}
	}

	// Profile
	if _, err := util.ValidateDisplayName(c.Profile.DisplayName); err != nil {
		return fmt.Errorf("profile.display_name: %w", err)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

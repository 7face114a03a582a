package settings

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Defaults for a fresh install
const (
	DefaultIP       = "75.12.8.195"
	DefaultPort     = 8080
	DefaultEndpoint = "/api/download"
)

// Settings locates the external job server
type Settings struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"` // start-download path
}

// Default returns the documented default settings
func Default() Settings {
	return Settings{
		IP:       DefaultIP,
		Port:     DefaultPort,
		Endpoint: DefaultEndpoint,
	}
}

// BaseURL returns the job server root, e.g. http://75.12.8.195:8080
func (s Settings) BaseURL() string {
	return "http://" + net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// Validate checks the settings can address a server
func (s Settings) Validate() error {
	if strings.TrimSpace(s.IP) == "" {
		return fmt.Errorf("server ip is required")
	}
	if strings.ContainsAny(s.IP, "/ ") {
		return fmt.Errorf("invalid server ip %q", s.IP)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", s.Port)
	}
	if !strings.HasPrefix(s.Endpoint, "/") {
		return fmt.Errorf("endpoint must start with '/', got %q", s.Endpoint)
	}
	return nil
}

// Source yields the current settings; implementations read fresh on every call
type Source interface {
	Load() (Settings, error)
}

// Static is a fixed Source
type Static Settings

// Load returns the fixed settings
func (s Static) Load() (Settings, error) {
	return Settings(s), nil
}

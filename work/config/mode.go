package config

import (
	"fmt"
	"strings"
)

// DeliveryMode selects how a resolved live stream reaches the client.
type DeliveryMode int

const (
	// Proxy pipes the upstream bytes through this server as video/mp2t.
	Proxy DeliveryMode = iota
	// Direct answers with a redirect to the upstream playlist URL.
	Direct
)

func (m DeliveryMode) String() string {
	if m == Direct {
		return "direct"
	}
	return "proxy"
}

// ParseDeliveryMode accepts the values stored in the live_stream_mode setting.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "proxy":
		return Proxy, nil
	case "direct", "redirect":
		return Direct, nil
	default:
		return Proxy, fmt.Errorf("unknown delivery mode %q", s)
	}
}

// MarshalText lets the mode round trip through JSON config files.
func (m DeliveryMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *DeliveryMode) UnmarshalText(b []byte) error {
	mode, err := ParseDeliveryMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

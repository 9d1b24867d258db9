package flow

import (
	"fmt"
	"strings"
)

// ConnectionType is the kind of network currently available.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionWiFi
	ConnectionMetered
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionWiFi:
		return "wifi"
	case ConnectionMetered:
		return "metered"
	default:
		return "none"
	}
}

// ParseConnectionType parses "none", "wifi" or "metered".
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "offline":
		return ConnectionNone, nil
	case "wifi", "":
		return ConnectionWiFi, nil
	case "metered", "mobile", "cellular":
		return ConnectionMetered, nil
	}
	return ConnectionNone, fmt.Errorf("unknown connection type: %q", s)
}

// NetworkMonitor reports the current connectivity.
type NetworkMonitor interface {
	Connection() ConnectionType
}

// StaticNetwork is a NetworkMonitor that always reports the same connection.
type StaticNetwork ConnectionType

func (n StaticNetwork) Connection() ConnectionType { return ConnectionType(n) }

// Policy decides which transfers are allowed on a connection.
// Control calls only need some connection; bulk transfers need Wi-Fi or
// the user's metered opt-in.
type Policy struct {
	AllowMetered bool
}

// CheckControl returns ErrNoNetwork when there is no connection.
func (p Policy) CheckControl(c ConnectionType) error {
	if c == ConnectionNone {
		return &PolicyError{Connection: c, Err: ErrNoNetwork}
	}
	return nil
}

// CheckBulk returns a PolicyError unless bulk transfer is allowed on c.
func (p Policy) CheckBulk(c ConnectionType) error {
	if err := p.CheckControl(c); err != nil {
		return err
	}
	if c == ConnectionMetered && !p.AllowMetered {
		return &PolicyError{Connection: c, Err: ErrMeteredNotAllowed}
	}
	return nil
}

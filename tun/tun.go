package tun

import (
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strings"

	"github.com/songgao/water"

	"github.com/drio/zssp/internal/log"
)

// TUNDevice interface for TUN devices - allows mocking for tests
type TUNDevice interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateInterfaceName validates that an interface name is safe for command execution
func validateInterfaceName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (contains unsafe characters)", name)
	}
	if len(name) > 15 { // IFNAMSIZ includes the trailing NUL
		return fmt.Errorf("interface name too long: %s (max 15 chars)", name)
	}
	return nil
}

// validateTUNAddress validates that a TUN address is a valid CIDR and safe for commands
func validateTUNAddress(address string) error {
	if _, _, err := net.ParseCIDR(address); err != nil {
		return fmt.Errorf("invalid TUN address: %s (%w)", address, err)
	}
	if strings.ContainsAny(address, ";|&$`(){}[]\\\"'<>*?") {
		return fmt.Errorf("TUN address contains unsafe characters: %s", address)
	}
	return nil
}

// SetupTUN creates a TUN interface and, when address is set, assigns it and
// brings the link up with the given MTU.
func SetupTUN(name, address string, mtu int) (TUNDevice, error) {
	if err := validateInterfaceName(name); err != nil {
		return nil, err
	}
	if address != "" {
		if err := validateTUNAddress(address); err != nil {
			return nil, err
		}
	}

	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN interface: %w", err)
	}

	logger := log.GetLogger().WithField("tun", iface.Name())
	logger.Info("TUN interface created")

	if address == "" {
		logger.Warn("no TUN address specified, interface created but not configured")
		return iface, nil
	}

	// #nosec G204 -- inputs validated above to prevent injection
	commands := [][]string{
		{"ip", "addr", "add", address, "dev", iface.Name()},
		{"ip", "link", "set", "dev", iface.Name(), "mtu", fmt.Sprint(mtu)},
		{"ip", "link", "set", iface.Name(), "up"},
	}
	for _, args := range commands {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			iface.Close()
			return nil, fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
	}

	logger.WithFields(log.Fields{"address": address, "mtu": mtu}).Info("TUN interface configured and up")
	return iface, nil
}

package fleet

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength  = 100
	maxHostLength  = 253
	maxDomains     = 256
	maxFirmwareLen = 64
	maxPort        = 65535
)

// Serials and domain names become MQTT topic levels, so wildcards and
// separators are excluded.
var (
	serialRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
	domainRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
)

var validStatuses = func() map[Status]struct{} {
	m := make(map[Status]struct{}, len(AllStatuses()))
	for _, s := range AllStatuses() {
		m[s] = struct{}{}
	}
	return m
}()

// GenerateID returns a new group identifier.
func GenerateID() string {
	return "grp-" + uuid.NewString()
}

// ValidateDevice checks d and fills in defaults for Port, Status and
// Domains. It returns the first failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if err := ValidateSerial(d.Serial); err != nil {
		return err
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}

	host := strings.TrimSpace(d.Host)
	if host == "" || len(host) > maxHostLength {
		return fmt.Errorf("%w: host is required and must be at most %d characters", ErrInvalidDevice, maxHostLength)
	}
	d.Host = host

	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Port < 1 || d.Port > maxPort {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDevice, d.Port)
	}

	if len(d.Firmware) > maxFirmwareLen {
		return fmt.Errorf("%w: firmware version too long", ErrInvalidDevice)
	}

	if d.Status == "" {
		d.Status = StatusUnknown
	}
	if _, ok := validStatuses[d.Status]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDevice, d.Status)
	}

	if d.Domains == nil {
		d.Domains = []string{}
	}
	if len(d.Domains) > maxDomains {
		return fmt.Errorf("%w: at most %d domains", ErrInvalidDevice, maxDomains)
	}
	seen := make(map[string]struct{}, len(d.Domains))
	for _, name := range d.Domains {
		if err := ValidateDomainName(name); err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate domain %q", ErrInvalidDevice, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ValidateSerial checks a device serial number.
func ValidateSerial(serial string) error {
	if !serialRegex.MatchString(serial) {
		return fmt.Errorf("%w: %q", ErrInvalidSerial, serial)
	}
	return nil
}

// ValidateName checks a device or group name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return fmt.Errorf("%w: name must be at most %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateDomainName checks an application domain name.
func ValidateDomainName(name string) error {
	if !domainRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, name)
	}
	return nil
}

// ValidateGroup checks g before it is persisted.
func ValidateGroup(g *Group) error {
	if g == nil {
		return fmt.Errorf("%w: group is required", ErrInvalidName)
	}
	if g.ID == UngroupedArea {
		return fmt.Errorf("%w: %q is reserved", ErrGroupExists, UngroupedArea)
	}
	return ValidateName(g.Name)
}

package keyset

import "fmt"

// Factor identifies one of the two customer-held authorization keys.
type Factor uint8

const (
	// FactorApp is the key held by the mobile application.
	FactorApp Factor = iota

	// FactorHardware is the key held by the hardware signing device.
	FactorHardware
)

// String returns a human readable name for the factor.
func (f Factor) String() string {
	switch f {
	case FactorApp:
		return "app"
	case FactorHardware:
		return "hardware"
	default:
		return fmt.Sprintf("factor(%d)", uint8(f))
	}
}

// Other returns the factor that is not f. During a recovery this maps the
// lost factor onto the surviving one.
func (f Factor) Other() Factor {
	if f == FactorApp {
		return FactorHardware
	}

	return FactorApp
}

// Valid returns true if f is a known factor.
func (f Factor) Valid() bool {
	return f == FactorApp || f == FactorHardware
}

// ParseFactor parses the string form produced by Factor.String.
func ParseFactor(s string) (Factor, error) {
	switch s {
	case "app":
		return FactorApp, nil
	case "hardware", "hw":
		return FactorHardware, nil
	default:
		return 0, fmt.Errorf("unknown factor: %q", s)
	}
}

package counting

import (
	"fmt"
	"strings"
)

// VehicleClass is the closed set of vehicle categories that are counted.
type VehicleClass int

const (
	Car VehicleClass = iota
	Bus
	Truck
	ThreeWheeler
	TwoWheeler
	LCV
	Bicycle
	// Other collects unrecognized labels under the bucket policy.
	Other
)

var classNames = [...]string{
	Car:          "Car",
	Bus:          "Bus",
	Truck:        "Truck",
	ThreeWheeler: "Three-Wheeler",
	TwoWheeler:   "Two-Wheeler",
	LCV:          "LCV",
	Bicycle:      "Bicycle",
	Other:        "Other",
}

// aliases maps normalized detector labels to a class. Keys are lower case
// with spaces, dashes and underscores removed.
var aliases = map[string]VehicleClass{
	"car":          Car,
	"sedan":        Car,
	"suv":          Car,
	"bus":          Bus,
	"truck":        Truck,
	"lorry":        Truck,
	"threewheeler": ThreeWheeler,
	"autorickshaw": ThreeWheeler,
	"rickshaw":     ThreeWheeler,
	"twowheeler":   TwoWheeler,
	"motorcycle":   TwoWheeler,
	"motorbike":    TwoWheeler,
	"scooter":      TwoWheeler,
	"lcv":          LCV,
	"van":          LCV,
	"pickup":       LCV,
	"bicycle":      Bicycle,
	"cycle":        Bicycle,
}

// Classes returns the known vehicle classes, excluding Other.
func Classes() []VehicleClass {
	return []VehicleClass{Car, Bus, Truck, ThreeWheeler, TwoWheeler, LCV, Bicycle}
}

func (c VehicleClass) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("VehicleClass(%d)", int(c))
	}
	return classNames[c]
}

func (c VehicleClass) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(classNames) {
		return nil, fmt.Errorf("unknown vehicle class %d", int(c))
	}
	return []byte(classNames[c]), nil
}

func (c *VehicleClass) UnmarshalText(text []byte) error {
	for i, name := range classNames {
		if name == string(text) {
			*c = VehicleClass(i)
			return nil
		}
	}
	return fmt.Errorf("unknown vehicle class %q", text)
}

// ParseVehicleClass maps a detector label such as "car", "Two-Wheeler" or
// "motorcycle" to its class. The second result is false for labels outside
// the known set; Other is never returned.
func ParseVehicleClass(label string) (VehicleClass, bool) {
	c, ok := aliases[normalize(label)]
	return c, ok
}

func normalize(label string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(label)))
}

// UnknownClassPolicy decides what happens to labels outside the known set.
type UnknownClassPolicy string

const (
	// PolicyIgnore drops unknown labels from every count.
	PolicyIgnore UnknownClassPolicy = "ignore"
	// PolicyBucket counts unknown labels under Other.
	PolicyBucket UnknownClassPolicy = "bucket"
)

func ParseUnknownClassPolicy(s string) (UnknownClassPolicy, error) {
	switch p := UnknownClassPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyIgnore, PolicyBucket:
		return p, nil
	case "":
		return PolicyIgnore, nil
	default:
		return "", fmt.Errorf("unknown class policy %q: expected %q or %q", s, PolicyIgnore, PolicyBucket)
	}
}

// Classify resolves a label under the policy. The second result is false
// when the label must not be counted at all.
func (p UnknownClassPolicy) Classify(label string) (VehicleClass, bool) {
	if c, ok := ParseVehicleClass(label); ok {
		return c, true
	}
	if p == PolicyBucket {
		return Other, true
	}
	return 0, false
}

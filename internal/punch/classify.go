package punch

import "strings"

// BrandCodes maps a terminal brand's raw punch codes to event kinds.
// Codes in neither list classify as Default.
type BrandCodes struct {
	CheckIn  []int     `yaml:"checkin" json:"checkin,omitempty"`
	CheckOut []int     `yaml:"checkout" json:"checkout,omitempty"`
	Default  EventKind `yaml:"default" json:"default,omitempty"`
}

// DefaultBrands returns the built-in code tables. ZKTeco firmwares report
// 0 (check-in) and 4 (overtime-in) for arrivals; everything else is a departure.
func DefaultBrands() map[string]BrandCodes {
	return map[string]BrandCodes{
		"zkteco": {CheckIn: []int{0, 4}, CheckOut: []int{1, 5}, Default: KindCheckOut},
	}
}

// Classifier turns raw punch codes into event kinds per device brand.
type Classifier struct {
	brands map[string]BrandCodes
}

// NewClassifier creates a classifier. Brand names are matched case-insensitively.
// A nil map yields DefaultBrands.
func NewClassifier(brands map[string]BrandCodes) *Classifier {
	if brands == nil {
		brands = DefaultBrands()
	}
	normalized := make(map[string]BrandCodes, len(brands))
	for name, codes := range brands {
		normalized[strings.ToLower(name)] = codes
	}
	return &Classifier{brands: normalized}
}

// Classify returns the event kind for a raw code reported by a device of the given brand.
// Unconfigured brands classify everything as KindUnknown.
func (c *Classifier) Classify(brand string, code int) EventKind {
	codes, ok := c.brands[strings.ToLower(brand)]
	if !ok {
		return KindUnknown
	}
	for _, in := range codes.CheckIn {
		if in == code {
			return KindCheckIn
		}
	}
	for _, out := range codes.CheckOut {
		if out == code {
			return KindCheckOut
		}
	}
	if codes.Default == "" {
		return KindUnknown
	}
	return codes.Default
}

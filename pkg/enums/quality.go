package enums

import "fmt"

// Quality names a delivery rendition preset.
type Quality string

const (
	QualitySD  Quality = "sd"
	QualityHD  Quality = "hd"
	QualityFHD Quality = "fhd"
	Quality4K  Quality = "4k"
)

var validQualities = []Quality{
	QualitySD,
	QualityHD,
	QualityFHD,
	Quality4K,
}

// String implements fmt.Stringer.
func (q Quality) String() string {
	return string(q)
}

// IsValid reports whether the value matches a known Quality.
func (q Quality) IsValid() bool {
	for _, candidate := range validQualities {
		if candidate == q {
			return true
		}
	}
	return false
}

// ParseQuality converts raw input into a Quality.
func ParseQuality(value string) (Quality, error) {
	for _, candidate := range validQualities {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid quality %q", value)
}

// ParseQualities converts a list of raw labels, rejecting duplicates.
func ParseQualities(values []string) ([]Quality, error) {
	seen := map[Quality]bool{}
	out := make([]Quality, 0, len(values))
	for _, value := range values {
		q, err := ParseQuality(value)
		if err != nil {
			return nil, err
		}
		if seen[q] {
			return nil, fmt.Errorf("duplicate quality %q", value)
		}
		seen[q] = true
		out = append(out, q)
	}
	return out, nil
}

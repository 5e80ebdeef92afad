// Package palette assigns display colors to segmentation labels.
package palette

import (
	"math"
	"strconv"

	colorful "github.com/lucasb-eyer/go-colorful"

	"segview/internal/models"
)

// goldenAngle spreads consecutive hues as far apart as possible.
const goldenAngle = 137.50776405003785

// Generate returns n label colors. Label 0 is the background and stays
// transparent; every other label gets an opaque color from an HCL hue walk, so
// the same label always receives the same color.
func Generate(n int) []models.ARGB {
	colors := make([]models.ARGB, n)
	for label := 1; label < n; label++ {
		colors[label] = Color(label)
	}
	return colors
}

// Color returns the palette color of a single non-background label.
func Color(label int) models.ARGB {
	hue := math.Mod(float64(label-1)*goldenAngle+30, 360)
	// alternate lightness so neighbouring hues stay distinguishable
	lightness := 0.65
	if label%2 == 0 {
		lightness = 0.5
	}
	c := colorful.Hcl(hue, 0.6, lightness).Clamped()
	r, g, b := c.RGB255()
	return models.NewARGB(0xff, r, g, b)
}

// FromHex parses colors such as "#ff8800", or "#80ff8800" with a leading
// alpha byte. Invalid entries become transparent.
func FromHex(values []string) []models.ARGB {
	colors := make([]models.ARGB, len(values))
	for i, v := range values {
		if c, ok := parseHex(v); ok {
			colors[i] = c
		}
	}
	return colors
}

func parseHex(v string) (models.ARGB, bool) {
	alpha := uint64(0xff)
	switch len(v) {
	case 7:
	case 9:
		a, err := strconv.ParseUint(v[1:3], 16, 8)
		if err != nil {
			return 0, false
		}
		alpha, v = a, "#"+v[3:]
	default:
		return 0, false
	}
	// colorful.Hex stops after six digits, so the length is checked above
	c, err := colorful.Hex(v)
	if err != nil {
		return 0, false
	}
	r, g, b := c.RGB255()
	return models.NewARGB(uint8(alpha), r, g, b), true
}

// Lookup returns the color of label. Labels outside the palette are
// transparent.
func Lookup(colors []models.ARGB, label uint16) models.ARGB {
	if int(label) >= len(colors) {
		return models.Transparent
	}
	return colors[label]
}

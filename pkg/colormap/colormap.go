// Package colormap provides colour ramps for probe previews.
package colormap

import (
	"image/color"
	"math"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// Ramp interpolates linearly between evenly spaced stops.
type Ramp struct {
	stops []color.RGBA
}

// NewRamp creates a ramp through stops. At least one stop is required.
func NewRamp(stops ...color.RGBA) Ramp {
	if len(stops) == 0 {
		stops = []color.RGBA{{0, 0, 0, 255}}
	}
	return Ramp{stops: stops}
}

// At returns the color at position t. NaN maps to the first stop.
func (r Ramp) At(t float64) color.Color {
	if !(t > 0) {
		return r.stops[0]
	}
	last := len(r.stops) - 1
	if t >= 1 || last == 0 {
		return r.stops[last]
	}

	pos := t * float64(last)
	lower := int(pos)
	return lerp(r.stops[lower], r.stops[lower+1], pos-float64(lower))
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + t*(float64(y)-float64(x))))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}

// Viridis approximates matplotlib's viridis.
var Viridis = NewRamp(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{253, 231, 37, 255},
)

// Inferno approximates matplotlib's inferno.
var Inferno = NewRamp(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{101, 21, 110, 255},
	color.RGBA{212, 72, 66, 255},
	color.RGBA{250, 193, 39, 255},
	color.RGBA{252, 255, 164, 255},
)

// Magma approximates matplotlib's magma.
var Magma = NewRamp(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{252, 253, 191, 255},
)

// Validity runs from green (fully valid) through amber to red (inside geometry).
var Validity = NewRamp(
	color.RGBA{46, 160, 67, 255},
	color.RGBA{240, 180, 41, 255},
	color.RGBA{207, 34, 46, 255},
)

var byName = map[string]Colormap{
	"viridis":  Viridis,
	"inferno":  Inferno,
	"magma":    Magma,
	"validity": Validity,
}

// ByName looks up a named colormap.
func ByName(name string) (Colormap, bool) {
	c, ok := byName[name]
	return c, ok
}

// Names lists the registered colormaps in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

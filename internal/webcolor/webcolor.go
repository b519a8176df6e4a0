// Package webcolor parses CSS color values and computes WCAG 2.1
// contrast ratios. Semi-transparent colors are composited over white,
// matching the default page background the accessibility checks assume.
package webcolor

import (
	"math"
	"strconv"
	"strings"
)

// Color is an opaque sRGB color.
type Color struct {
	R, G, B uint8
}

// White and Black are the contrast extremes.
var (
	White = Color{255, 255, 255}
	Black = Color{0, 0, 0}
)

// Hex renders the color as #rrggbb.
func (c Color) Hex() string {
	const digits = "0123456789abcdef"
	b := []byte{'#', 0, 0, 0, 0, 0, 0}
	for i, v := range []uint8{c.R, c.G, c.B} {
		b[1+i*2] = digits[v>>4]
		b[2+i*2] = digits[v&0x0f]
	}
	return string(b)
}

// named covers the CSS keywords that show up in real stylesheets. The
// full X11 list is overkill for compliance scanning.
var named = map[string]Color{
	"black":      {0, 0, 0},
	"silver":     {192, 192, 192},
	"gray":       {128, 128, 128},
	"grey":       {128, 128, 128},
	"white":      {255, 255, 255},
	"maroon":     {128, 0, 0},
	"red":        {255, 0, 0},
	"purple":     {128, 0, 128},
	"fuchsia":    {255, 0, 255},
	"magenta":    {255, 0, 255},
	"green":      {0, 128, 0},
	"lime":       {0, 255, 0},
	"olive":      {128, 128, 0},
	"yellow":     {255, 255, 0},
	"navy":       {0, 0, 128},
	"blue":       {0, 0, 255},
	"teal":       {0, 128, 128},
	"aqua":       {0, 255, 255},
	"cyan":       {0, 255, 255},
	"orange":     {255, 165, 0},
	"brown":      {165, 42, 42},
	"pink":       {255, 192, 203},
	"gold":       {255, 215, 0},
	"beige":      {245, 245, 220},
	"ivory":      {255, 255, 240},
	"khaki":      {240, 230, 140},
	"salmon":     {250, 128, 114},
	"coral":      {255, 127, 80},
	"tomato":     {255, 99, 71},
	"crimson":    {220, 20, 60},
	"indigo":     {75, 0, 130},
	"violet":     {238, 130, 238},
	"orchid":     {218, 112, 214},
	"turquoise":  {64, 224, 208},
	"chocolate":  {210, 105, 30},
	"darkred":    {139, 0, 0},
	"darkblue":   {0, 0, 139},
	"darkgreen":  {0, 100, 0},
	"darkgray":   {169, 169, 169},
	"darkgrey":   {169, 169, 169},
	"dimgray":    {105, 105, 105},
	"dimgrey":    {105, 105, 105},
	"lightgray":  {211, 211, 211},
	"lightgrey":  {211, 211, 211},
	"lightblue":  {173, 216, 230},
	"lightgreen": {144, 238, 144},
	"slategray":  {112, 128, 144},
	"whitesmoke": {245, 245, 245},
	"gainsboro":  {220, 220, 220},
	"lavender":   {230, 230, 250},
}

// Parse reads hex (#rgb, #rrggbb, #rrggbbaa), rgb()/rgba() and keyword
// colors. Alpha channels are composited over white. The keyword
// "transparent" (and rgba alpha 0) reports ok=false so callers can walk
// up the background chain instead.
func Parse(s string) (Color, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "transparent" || s == "inherit" || s == "currentcolor" || s == "initial" || s == "unset" {
		return Color{}, false
	}
	if c, ok := named[s]; ok {
		return c, true
	}
	if strings.HasPrefix(s, "#") {
		return parseHex(s[1:])
	}
	if strings.HasPrefix(s, "rgb(") && strings.HasSuffix(s, ")") {
		return parseRGBList(s[4:len(s)-1], false)
	}
	if strings.HasPrefix(s, "rgba(") && strings.HasSuffix(s, ")") {
		return parseRGBList(s[5:len(s)-1], true)
	}
	return Color{}, false
}

func parseHex(h string) (Color, bool) {
	switch len(h) {
	case 3:
		r, okR := hexNibble(h[0])
		g, okG := hexNibble(h[1])
		b, okB := hexNibble(h[2])
		if !okR || !okG || !okB {
			return Color{}, false
		}
		return Color{r*16 + r, g*16 + g, b*16 + b}, true
	case 6, 8:
		var vals [4]uint8
		vals[3] = 255
		for i := 0; i*2 < len(h); i++ {
			hi, okH := hexNibble(h[i*2])
			lo, okL := hexNibble(h[i*2+1])
			if !okH || !okL {
				return Color{}, false
			}
			vals[i] = hi*16 + lo
		}
		c := Color{vals[0], vals[1], vals[2]}
		if len(h) == 8 {
			return compositeOverWhite(c, float64(vals[3])/255), vals[3] > 0
		}
		return c, true
	}
	return Color{}, false
}

func hexNibble(b byte) (uint8, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

func parseRGBList(body string, hasAlpha bool) (Color, bool) {
	// Accept both comma and space separated syntax, with an optional
	// "/ alpha" in the modern form.
	body = strings.ReplaceAll(body, "/", " ")
	body = strings.ReplaceAll(body, ",", " ")
	fields := strings.Fields(body)
	if len(fields) < 3 {
		return Color{}, false
	}

	var ch [3]uint8
	for i := 0; i < 3; i++ {
		v, ok := parseChannel(fields[i])
		if !ok {
			return Color{}, false
		}
		ch[i] = v
	}
	c := Color{ch[0], ch[1], ch[2]}

	if len(fields) >= 4 {
		a, err := strconv.ParseFloat(strings.TrimSuffix(fields[3], "%"), 64)
		if err != nil {
			return Color{}, false
		}
		if strings.HasSuffix(fields[3], "%") {
			a /= 100
		}
		if a <= 0 {
			return Color{}, false
		}
		if a < 1 {
			return compositeOverWhite(c, a), true
		}
	}
	return c, true
}

func parseChannel(f string) (uint8, bool) {
	if strings.HasSuffix(f, "%") {
		p, err := strconv.ParseFloat(strings.TrimSuffix(f, "%"), 64)
		if err != nil || p < 0 {
			return 0, false
		}
		if p > 100 {
			p = 100
		}
		return uint8(math.Round(p / 100 * 255)), true
	}
	v, err := strconv.ParseFloat(f, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	if v > 255 {
		v = 255
	}
	return uint8(math.Round(v)), true
}

func compositeOverWhite(c Color, alpha float64) Color {
	blend := func(v uint8) uint8 {
		return uint8(math.Round(alpha*float64(v) + (1-alpha)*255))
	}
	return Color{blend(c.R), blend(c.G), blend(c.B)}
}

// =============================================================================
// WCAG CONTRAST
// =============================================================================

// Luminance computes WCAG 2.1 relative luminance.
func Luminance(c Color) float64 {
	lin := func(v uint8) float64 {
		ch := float64(v) / 255
		if ch <= 0.03928 {
			return ch / 12.92
		}
		return math.Pow((ch+0.055)/1.055, 2.4)
	}
	return 0.2126*lin(c.R) + 0.7152*lin(c.G) + 0.0722*lin(c.B)
}

// ContrastRatio computes the WCAG contrast ratio between two colors,
// in the range 1..21.
func ContrastRatio(a, b Color) float64 {
	la, lb := Luminance(a), Luminance(b)
	if la < lb {
		la, lb = lb, la
	}
	return (la + 0.05) / (lb + 0.05)
}

// =============================================================================
// FIX SUGGESTIONS
// =============================================================================

// SuggestForeground returns the color closest to fg (same hue and
// saturation, adjusted lightness) that reaches the target contrast
// ratio against bg, together with the ratio actually achieved. When
// even the lightness extreme cannot reach the target, the extreme is
// returned and the achieved ratio is below target.
func SuggestForeground(fg, bg Color, target float64) (Color, float64) {
	if ContrastRatio(fg, bg) >= target {
		return fg, ContrastRatio(fg, bg)
	}

	h, s, l := rgbToHSL(fg)
	darken := Luminance(fg) <= Luminance(bg)

	ratioAt := func(light float64) float64 {
		return ContrastRatio(hslToColor(h, s, light), bg)
	}

	// Check the reachable extreme first.
	extreme := 0.0
	if !darken {
		extreme = 1.0
	}
	if ratioAt(extreme) < target {
		c := hslToColor(h, s, extreme)
		return c, ContrastRatio(c, bg)
	}

	// Binary search for the minimal lightness change that satisfies the
	// target; lo always satisfies, hi never does.
	lo, hi := extreme, l
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if ratioAt(mid) >= target {
			lo = mid
		} else {
			hi = mid
		}
	}

	c := hslToColor(h, s, lo)
	// Quantizing to 8 bits can nudge the ratio back under the target;
	// step further until it holds again.
	for i := 0; i < 255 && ContrastRatio(c, bg) < target; i++ {
		if darken {
			lo -= 1.0 / 255
			if lo < 0 {
				lo = 0
			}
		} else {
			lo += 1.0 / 255
			if lo > 1 {
				lo = 1
			}
		}
		c = hslToColor(h, s, lo)
	}
	return c, ContrastRatio(c, bg)
}

func rgbToHSL(c Color) (h, s, l float64) {
	r := float64(c.R) / 255
	g := float64(c.G) / 255
	b := float64(c.B) / 255

	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	l = (max + min) / 2

	if max == min {
		return 0, 0, l
	}

	d := max - min
	if l > 0.5 {
		s = d / (2 - max - min)
	} else {
		s = d / (max + min)
	}

	switch max {
	case r:
		h = (g - b) / d
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h /= 6
	return h, s, l
}

func hslToColor(h, s, l float64) Color {
	if s == 0 {
		v := floorChannel(l)
		return Color{v, v, v}
	}

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q

	return Color{
		floorChannel(hueToRGB(p, q, h+1.0/3)),
		floorChannel(hueToRGB(p, q, h)),
		floorChannel(hueToRGB(p, q, h-1.0/3)),
	}
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	}
	return p
}

func floorChannel(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Floor(v * 255))
}

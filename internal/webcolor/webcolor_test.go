package webcolor

import (
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Color
		ok   bool
	}{
		{"#fff", Color{255, 255, 255}, true},
		{"#000000", Color{0, 0, 0}, true},
		{"#0066CC", Color{0, 102, 204}, true},
		{"#abc", Color{170, 187, 204}, true},
		{"rgb(255, 0, 0)", Color{255, 0, 0}, true},
		{"rgb(100%, 0%, 0%)", Color{255, 0, 0}, true},
		{"rgba(0, 0, 0, 0.5)", Color{128, 128, 128}, true}, // composited over white
		{"rgba(0,0,0,0)", Color{}, false},
		{"rgb(0 128 255)", Color{0, 128, 255}, true},
		{"white", Color{255, 255, 255}, true},
		{"Grey", Color{128, 128, 128}, true},
		{"transparent", Color{}, false},
		{"inherit", Color{}, false},
		{"#12345", Color{}, false},
		{"blurple", Color{}, false},
		{"", Color{}, false},
	}
	for _, tc := range cases {
		got, ok := Parse(tc.in)
		if ok != tc.ok {
			t.Errorf("Parse(%q): ok=%v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestHexRoundTrip(t *testing.T) {
	c := Color{0, 102, 204}
	if c.Hex() != "#0066cc" {
		t.Errorf("Hex = %s, want #0066cc", c.Hex())
	}
	back, ok := Parse(c.Hex())
	if !ok || back != c {
		t.Errorf("round trip failed: %v -> %s -> %v", c, c.Hex(), back)
	}
}

func TestContrastRatioKnownValues(t *testing.T) {
	cases := []struct {
		fg, bg string
		want   float64
	}{
		{"#000000", "#ffffff", 21.00},
		{"#777777", "#ffffff", 4.48},
		{"#595959", "#ffffff", 7.00},
		{"#ff0000", "#ffffff", 4.00},
		{"#0066cc", "#ffffff", 5.57},
		{"#ffffff", "#ffffff", 1.00},
	}
	for _, tc := range cases {
		fg, _ := Parse(tc.fg)
		bg, _ := Parse(tc.bg)
		got := ContrastRatio(fg, bg)
		if math.Abs(got-tc.want) > 0.005 {
			t.Errorf("ContrastRatio(%s, %s) = %.4f, want %.2f", tc.fg, tc.bg, got, tc.want)
		}
	}
}

func TestContrastRatioSymmetric(t *testing.T) {
	a, _ := Parse("#336699")
	b, _ := Parse("#f0f0f0")
	if ContrastRatio(a, b) != ContrastRatio(b, a) {
		t.Error("contrast ratio should not depend on argument order")
	}
}

func TestSuggestForegroundDarkensGrayToTarget(t *testing.T) {
	fg, _ := Parse("#777777")
	got, achieved := SuggestForeground(fg, White, 7.0)
	if got.Hex() != "#595959" {
		t.Errorf("suggested %s, want #595959 (achieved %.3f)", got.Hex(), achieved)
	}
	if achieved < 7.0 {
		t.Errorf("achieved ratio %.4f below target", achieved)
	}
}

func TestSuggestForegroundKeepsCompliantColor(t *testing.T) {
	fg := Black
	got, achieved := SuggestForeground(fg, White, 4.5)
	if got != fg {
		t.Errorf("compliant color was changed to %s", got.Hex())
	}
	if achieved != 21.0 {
		t.Errorf("achieved = %.2f, want 21", achieved)
	}
}

func TestSuggestForegroundLightensOnDarkBackground(t *testing.T) {
	fg, _ := Parse("#555555")
	bg, _ := Parse("#111111")
	got, achieved := SuggestForeground(fg, bg, 4.5)
	if achieved < 4.5 {
		t.Errorf("achieved %.3f, want >= 4.5", achieved)
	}
	if Luminance(got) <= Luminance(fg) {
		t.Errorf("expected a lighter suggestion, got %s", got.Hex())
	}
}

func TestSuggestForegroundPreservesHue(t *testing.T) {
	fg, _ := Parse("#cc6666") // muted red, fails AA on white
	got, achieved := SuggestForeground(fg, White, 4.5)
	if achieved < 4.5 {
		t.Fatalf("achieved %.3f, want >= 4.5", achieved)
	}
	// Red must stay the dominant channel.
	if !(got.R > got.G && got.R > got.B) {
		t.Errorf("hue not preserved: %s", got.Hex())
	}
}

func TestSuggestForegroundUnreachableTarget(t *testing.T) {
	// Mid-gray background: neither extreme reaches 7:1. The foreground
	// is lighter than the background, so the search runs toward white.
	bg, _ := Parse("#777777")
	fg, _ := Parse("#999999")
	got, achieved := SuggestForeground(fg, bg, 7.0)
	if achieved >= 7.0 {
		t.Fatalf("7:1 should be unreachable on #777777, got %.3f", achieved)
	}
	if got != White {
		t.Errorf("expected the white extreme, got %s", got.Hex())
	}
}

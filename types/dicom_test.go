package types

import (
	"testing"
)

func TestTag_String(t *testing.T) {
	tests := []struct {
		name     string
		tag      Tag
		expected string
	}{
		{
			name:     "Standard tag",
			tag:      Tag{Group: 0x0010, Element: 0x0010},
			expected: "(0010,0010)",
		},
		{
			name:     "Zero tag",
			tag:      Tag{Group: 0x0000, Element: 0x0000},
			expected: "(0000,0000)",
		},
		{
			name:     "High value tag",
			tag:      Tag{Group: 0xFFFF, Element: 0xFFFF},
			expected: "(ffff,ffff)",
		},
		{
			name:     "Command group tag",
			tag:      Tag{Group: 0x0000, Element: 0x0100},
			expected: "(0000,0100)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.tag.String()
			if result != tt.expected {
				t.Errorf("Tag.String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestVRConstants(t *testing.T) {
	tests := []struct {
		name string
		vr   string
		want string
	}{
		{"Application Entity", VR_AE, "AE"},
		{"Person Name", VR_PN, "PN"},
		{"Unique Identifier", VR_UI, "UI"},
		{"Date", VR_DA, "DA"},
		{"Time", VR_TM, "TM"},
		{"Long String", VR_LO, "LO"},
		{"Short String", VR_SH, "SH"},
		{"Code String", VR_CS, "CS"},
		{"Unsigned Short", VR_US, "US"},
		{"Signed Long", VR_SL, "SL"},
		{"Sequence", VR_SQ, "SQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.vr != tt.want {
				t.Errorf("VR constant %s = %q, want %q", tt.name, tt.vr, tt.want)
			}
		})
	}
}

func TestTag_Equality(t *testing.T) {
	tag1 := Tag{Group: 0x0010, Element: 0x0010}
	tag2 := Tag{Group: 0x0010, Element: 0x0010}
	tag3 := Tag{Group: 0x0010, Element: 0x0020}

	if tag1 != tag2 {
		t.Error("Equal tags should be equal")
	}
	if tag1 == tag3 {
		t.Error("Different tags should not be equal")
	}
}

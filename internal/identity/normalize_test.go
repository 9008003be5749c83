package identity

import "testing"

func TestRemoveDiacritics(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Honza", "Honza"},
		{"Jiří", "Jiri"},
		{"café", "cafe"},
		{"naïve", "naive"},
		{"Žluťoučký kůň", "Zlutoucky kun"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := RemoveDiacritics(tt.input)
			if result != tt.expected {
				t.Errorf("RemoveDiacritics(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"jane.doe", "jane.doe"},
		{"@Jane.Doe", "jane.doe"},
		{"  @@jane_doe ", "jane_doe"},
		{"jiří.novák", "jiri.novak"},
		{"jane.doe...", "jane.doe"},
		{"@", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := NormalizeUsername(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeUsername(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Jane Doe", "Jane Doe"},
		{"  Jane \t Doe\n", "Jane Doe"},
		{"   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := NormalizeLabel(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeLabel(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

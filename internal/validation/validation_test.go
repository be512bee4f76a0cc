package validation

import (
	"testing"
)

func TestIsValidHandle(t *testing.T) {
	tests := []struct {
		tag   string
		valid bool
	}{
		{"@alice", true},
		{"@bob_99", true},
		{"@AB", true},

		// Invalid cases
		{"alice", false},      // No @
		{"@a", false},         // Too short
		{"@", false},          // No name
		{"@has space", false}, // Invalid chars
		{"@has-dash", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidHandle(tc.tag)
		if result != tc.valid {
			t.Errorf("IsValidHandle(%q) = %v, want %v", tc.tag, result, tc.valid)
		}
	}
}

func TestSanitizeHandle(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"@alice", "@alice"},
		{"@Alice", "@alice"},
		{"  @alice  ", "@alice"},
		{"alice", "@alice"},
		{"", ""},
	}

	for _, tc := range tests {
		result := SanitizeHandle(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeHandle(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestIsValidCoinAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", true},

		// Invalid
		{"short", false},
		{"has spaces in the middle of it all over", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCoinAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidCoinAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("seller_tag", "@alice"),
		ValidHandle("seller_tag", "@alice"),
		ValidAmount("amount", "0.015"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("seller_tag", ""),
		ValidAmount("amount", "-1"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},

		// Invalid
		{"abc", false},
		{"-1.00", false},
		{"0", false},
		{"0.000", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

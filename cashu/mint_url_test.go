package cashu

import (
	"errors"
	"testing"
)

func TestNormalizeMintURL(t *testing.T) {
	tests := []struct {
		url         string
		expected    string
		expectedErr error
	}{
		{url: "http://localhost:3338", expected: "http://localhost:3338"},
		{url: "https://Mint.Example.COM/", expected: "https://mint.example.com"},
		{url: "  https://mint.example.com/cashu/api/// ", expected: "https://mint.example.com/cashu/api"},
		{url: "HTTPS://mint.example.com?x=1#frag", expected: "https://mint.example.com"},
		{url: "ftp://mint.example.com", expectedErr: ErrInvalidMintURL},
		{url: "mint.example.com", expectedErr: ErrInvalidMintURL},
		{url: "", expectedErr: ErrInvalidMintURL},
	}

	for _, test := range tests {
		normalized, err := NormalizeMintURL(test.url)
		if test.expectedErr != nil {
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error normalizing '%v': %v", test.url, err)
		}
		if normalized != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, normalized)
		}
	}
}

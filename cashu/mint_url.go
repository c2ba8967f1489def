package cashu

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidMintURL = errors.New("invalid mint url")

// NormalizeMintURL returns the canonical form of a mint url so that
// proofs from the same mint are always grouped under one key.
// Scheme and host are lowercased, trailing slashes, query and fragment are dropped.
func NormalizeMintURL(mint string) (string, error) {
	mint = strings.TrimSpace(mint)
	if mint == "" {
		return "", ErrInvalidMintURL
	}

	u, err := url.Parse(mint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMintURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme '%v'", ErrInvalidMintURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidMintURL)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	return scheme + "://" + strings.ToLower(u.Host) + path, nil
}

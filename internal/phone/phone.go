// Package phone canonicalizes lead phone numbers to a single international
// format so matching and validation behave the same everywhere.
//
// The default configuration targets Brazilian mobile numbers (country prefix
// 55, 13-digit canonical form); other countries fall back to an E.164 parse.
package phone

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Default configuration for the target country.
const (
	// DefaultCountryPrefix is the international dialing prefix prepended to local numbers.
	DefaultCountryPrefix = "55"
	// DefaultAreaCode is assumed for numbers that arrive without one.
	DefaultAreaCode = "11"
	// DefaultMobileMarker is the digit inserted into legacy 8-digit subscriber numbers.
	DefaultMobileMarker = "9"
	// CanonicalLength is the expected length of a normalized default-country number.
	CanonicalLength = 13
	// MinForeignLength and MaxForeignLength bound numbers outside the default country.
	MinForeignLength = 10
	MaxForeignLength = 15
)

var nonDigitRegex = regexp.MustCompile(`\D`)

// Config holds the country-specific normalization settings. A zero Config is
// filled with the defaults by NewNormalizer.
type Config struct {
	CountryPrefix string
	AreaCode      string
	MobileMarker  string
	// Region is the ISO region used for validating non-default-country numbers.
	Region string
}

// Normalizer canonicalizes raw phone input. It is stateless and safe for
// concurrent use.
type Normalizer struct {
	cfg Config
}

// NewNormalizer creates a Normalizer, applying defaults for unset fields.
func NewNormalizer(cfg Config) *Normalizer {
	if cfg.CountryPrefix == "" {
		cfg.CountryPrefix = DefaultCountryPrefix
	}
	if cfg.AreaCode == "" {
		cfg.AreaCode = DefaultAreaCode
	}
	if cfg.MobileMarker == "" {
		cfg.MobileMarker = DefaultMobileMarker
	}
	if cfg.Region == "" {
		cfg.Region = "BR"
	}
	return &Normalizer{cfg: cfg}
}

// Normalize converts raw phone input to the canonical digits-only
// international form. It is referentially transparent and idempotent:
// Normalize(Normalize(x)) == Normalize(x) for all inputs.
func (n *Normalizer) Normalize(raw string) string {
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if digits == "" {
		return ""
	}

	prefix := n.cfg.CountryPrefix
	longEnough := len(digits) >= len(prefix)+10
	if strings.HasPrefix(digits, prefix) && (longEnough || len(digits) <= 9) {
		// Already carries the country prefix and is long enough, or is too
		// short for any repair rule to apply safely. Lengths 10-11 fall
		// through: there the leading digits are a plain area code that
		// happens to match the prefix. This split keeps Normalize idempotent.
		return digits
	}
	switch {
	case len(digits) == 11:
		// Area code + 9-digit subscriber.
		return prefix + digits
	case len(digits) == 10:
		// Area code + legacy 8-digit subscriber: insert the mobile marker.
		return prefix + digits[:2] + n.cfg.MobileMarker + digits[2:]
	case len(digits) >= 8 && len(digits) <= 9:
		// Bare subscriber number: assume the default area code.
		return prefix + n.cfg.AreaCode + digits
	default:
		slog.Debug("Normalizer.Normalize: unexpected number shape, prefixing defensively", "digits_len", len(digits))
		return prefix + digits
	}
}

// IsValidForDispatch reports whether raw normalizes to a number the messaging
// gateway will accept. When the normalizer is configured for the default
// country the canonical form must match the fixed length exactly; other
// configured countries get a looser length bound plus an E.164 parse check.
func (n *Normalizer) IsValidForDispatch(raw string) bool {
	canonical := n.Normalize(raw)
	if canonical == "" {
		return false
	}
	if n.cfg.CountryPrefix == DefaultCountryPrefix {
		return len(canonical) == CanonicalLength
	}
	if len(canonical) < MinForeignLength || len(canonical) > MaxForeignLength {
		return false
	}
	parsed, err := phonenumbers.Parse("+"+canonical, n.cfg.Region)
	if err != nil {
		slog.Debug("Normalizer.IsValidForDispatch: parse failed", "error", err)
		return false
	}
	return phonenumbers.IsPossibleNumber(parsed)
}

// CanonicalOrError normalizes raw and returns an error when the result is not
// dispatchable. Used by boundary layers that must reject bad input early.
func (n *Normalizer) CanonicalOrError(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("phone cannot be empty")
	}
	canonical := n.Normalize(raw)
	if !n.IsValidForDispatch(canonical) {
		return "", fmt.Errorf("phone %q is not a dispatchable number", raw)
	}
	return canonical, nil
}

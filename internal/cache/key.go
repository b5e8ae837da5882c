package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Categories with their own TTL
const (
	CategoryQuote        = "quote"
	CategoryNews         = "news"
	CategorySentiment    = "sentiment"
	CategorySocial       = "social"
	CategoryFundamentals = "fundamentals"
	CategoryAnalysis     = "analysis"
)

// DefaultTTL applies to categories missing from the TTL table
const DefaultTTL = time.Hour

const (
	// MaxPartLength bounds each sanitized key component
	MaxPartLength = 48

	// MaxKeyLength bounds a full key, hash suffix included
	MaxKeyLength = 4*MaxPartLength + 4 + hashLength + 1

	hashLength = 8
)

// DefaultTTLs returns the per-category expiry table
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		CategoryQuote:        5 * time.Minute,
		CategoryNews:         2 * time.Hour,
		CategorySentiment:    time.Hour,
		CategorySocial:       30 * time.Minute,
		CategoryFundamentals: 24 * time.Hour,
		CategoryAnalysis:     6 * time.Hour,
	}
}

// Key builds namespace:entity:category[:date]:<hash8>. Components are
// sanitized and truncated; the hash covers the raw tuple so distinct inputs
// that sanitize alike still get distinct keys.
func Key(namespace, entity, category, date string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + entity + "\x00" + category + "\x00" + date))

	parts := []string{sanitize(namespace), sanitize(entity), sanitize(category)}
	if date != "" {
		parts = append(parts, sanitize(date))
	}
	parts = append(parts, hex.EncodeToString(sum[:])[:hashLength])
	return strings.Join(parts, ":")
}

// DateBucket formats t as the day bucket used in keys
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= MaxPartLength {
			break
		}
	}
	out := b.String()
	if len(out) > MaxPartLength {
		out = out[:MaxPartLength]
	}
	return out
}

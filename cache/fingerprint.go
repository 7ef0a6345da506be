package cache

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// DateLayout is the ISO-8601 date format used in fingerprints.
const DateLayout = "2006-01-02"

// fieldSep joins normalized fields. It is stripped from every field so it
// can never appear inside one.
const fieldSep = "|"

// Key is the tuple of analysis inputs that identifies a result.
type Key struct {
	Cloud        string
	Schema       string
	ResourceType string
	StartDate    time.Time // zero means absent
	EndDate      time.Time // zero means absent
	ResourceID   string
}

// Fingerprint returns the 32-char hex digest of the normalized key. Identical
// normalized inputs produce identical fingerprints in every process.
func Fingerprint(k Key) string {
	sum := md5.Sum([]byte(k.Normalized()))
	return hex.EncodeToString(sum[:])
}

// Normalized returns the exact string that is hashed.
func (k Key) Normalized() string {
	return strings.Join([]string{
		normalize(k.Cloud),
		normalize(k.Schema),
		normalize(k.ResourceType),
		formatDate(k.StartDate),
		formatDate(k.EndDate),
		normalize(k.ResourceID),
	}, fieldSep)
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), fieldSep, "")
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

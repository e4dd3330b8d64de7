package buildcachex

import (
	"regexp"
	"strings"
)

// separatorRun matches a run of path separators, optionally preceded by the
// stray quote some build tools leave behind when formatting keys.
var separatorRun = regexp.MustCompile(`"?/+`)

// KeyCodec maps raw cache keys onto backend object names.
type KeyCodec interface {
	// Encode normalizes a raw cache key and applies the configured prefix.
	Encode(rawKey string) string
	// Decode strips the configured prefix from a backend key.
	Decode(backendKey string) string
}

// PrefixKeyCodec collapses separator runs and places keys under "{prefix}/".
type PrefixKeyCodec struct {
	Prefix string
}

// NewKeyCodec creates a codec for the given prefix; surrounding slashes are ignored.
func NewKeyCodec(prefix string) *PrefixKeyCodec {
	return &PrefixKeyCodec{Prefix: strings.Trim(prefix, "/")}
}

// Encode implements KeyCodec. It is pure and never fails: keys without
// separators pass through unchanged apart from the prefix.
func (c *PrefixKeyCodec) Encode(rawKey string) string {
	key := separatorRun.ReplaceAllString(rawKey, "/")
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + strings.TrimPrefix(key, "/")
}

// Decode implements KeyCodec.
func (c *PrefixKeyCodec) Decode(backendKey string) string {
	prefix := strings.Trim(c.Prefix, "/")
	if prefix == "" {
		return backendKey
	}
	return strings.TrimPrefix(backendKey, prefix+"/")
}

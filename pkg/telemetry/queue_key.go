package telemetry

import "strings"

// KeyMarker is the part of a templated key replaced by a generated token
// every time the queue is persisted.
const KeyMarker = "*"

// Key is the storage key of a queue. A fixed key is overwritten in place;
// a templated key is resolved to a fresh key at each persistence and the
// resulting snapshot is a write-once artifact.
type Key struct {
	prefix    string
	suffix    string
	templated bool
}

func FixedKey(key string) Key {
	return Key{prefix: key}
}

func TemplatedKey(prefix, suffix string) Key {
	return Key{prefix: prefix, suffix: suffix, templated: true}
}

// ParseKey returns a templated key if s contains the key marker, splitting
// on its last occurrence, and a fixed key otherwise.
func ParseKey(s string) Key {
	idx := strings.LastIndex(s, KeyMarker)
	if idx == -1 {
		return FixedKey(s)
	}

	return TemplatedKey(s[:idx], s[idx+len(KeyMarker):])
}

func (k Key) IsTemplate() bool {
	return k.templated
}

// Resolve returns the concrete key: the fixed key itself, or the template
// with the marker replaced by token.
func (k Key) Resolve(token string) string {
	if !k.templated {
		return k.prefix
	}

	return k.prefix + token + k.suffix
}

func (k Key) String() string {
	if !k.templated {
		return k.prefix
	}

	return k.prefix + KeyMarker + k.suffix
}

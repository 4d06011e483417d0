// Package assetkey defines the object key scheme for managed avatar assets
// and the URL form under which keys are referenced from metadata.
//
// Keys have the layout
//
//	<prefix><userID>/<unixNanos>-<suffix><ext>
//
// for example "assets/u1/1712345678901234567-3f9a0c12ab34.jpg". Keys are
// produced by Codec.Generate and decoded by Codec.Parse; nothing else in the
// module should take keys apart.
package assetkey

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPrefix is the logical folder all managed objects live under
	DefaultPrefix = "assets/"
	// DefaultExt matches the re-encoded image format
	DefaultExt = ".jpg"

	suffixLen = 12
)

// ErrMalformedKey is returned when an object key does not follow the scheme
var ErrMalformedKey = errors.New("malformed asset key")

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	suffixPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)
)

// Key is a decoded asset object key
type Key struct {
	Prefix string
	UserID string
	Stamp  int64 // unix nanoseconds at generation time
	Suffix string
	Ext    string
}

// String renders the full object key
func (k Key) String() string {
	return k.Prefix + k.Canonical()
}

// Canonical is the part of the key after the prefix
func (k Key) Canonical() string {
	return fmt.Sprintf("%s/%d-%s%s", k.UserID, k.Stamp, k.Suffix, k.Ext)
}

// Time returns the generation timestamp
func (k Key) Time() time.Time {
	return time.Unix(0, k.Stamp).UTC()
}

// Codec generates and parses keys for one prefix and extension
type Codec struct {
	Prefix string
	Ext    string
}

// NewCodec returns a codec, filling in defaults for empty values
func NewCodec(prefix, ext string) Codec {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if ext == "" {
		ext = DefaultExt
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return Codec{Prefix: prefix, Ext: ext}
}

// ValidUserID reports whether id can be embedded in a key
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Generate derives a new unique key for userID
func (c Codec) Generate(userID string, now time.Time) (Key, error) {
	if !ValidUserID(userID) {
		return Key{}, fmt.Errorf("%w: invalid user id %q", ErrMalformedKey, userID)
	}
	id := uuid.New()
	suffix := strings.ReplaceAll(id.String(), "-", "")[:suffixLen]
	return Key{
		Prefix: c.Prefix,
		UserID: userID,
		Stamp:  now.UnixNano(),
		Suffix: suffix,
		Ext:    c.Ext,
	}, nil
}

// Parse decodes an object key produced by Generate
func (c Codec) Parse(objectKey string) (Key, error) {
	rest, ok := strings.CutPrefix(objectKey, c.Prefix)
	if !ok {
		return Key{}, fmt.Errorf("%w: %q lacks prefix %q", ErrMalformedKey, objectKey, c.Prefix)
	}

	userID, file, ok := strings.Cut(rest, "/")
	if !ok || !ValidUserID(userID) {
		return Key{}, fmt.Errorf("%w: %q has no valid user segment", ErrMalformedKey, objectKey)
	}

	name, ok := strings.CutSuffix(file, c.Ext)
	if !ok {
		return Key{}, fmt.Errorf("%w: %q lacks extension %q", ErrMalformedKey, objectKey, c.Ext)
	}

	stampStr, suffix, ok := strings.Cut(name, "-")
	if !ok || !suffixPattern.MatchString(suffix) {
		return Key{}, fmt.Errorf("%w: %q has no valid suffix", ErrMalformedKey, objectKey)
	}

	stamp, err := strconv.ParseInt(stampStr, 10, 64)
	if err != nil || stamp <= 0 || stampStr != strconv.FormatInt(stamp, 10) {
		return Key{}, fmt.Errorf("%w: %q has no valid timestamp", ErrMalformedKey, objectKey)
	}

	return Key{
		Prefix: c.Prefix,
		UserID: userID,
		Stamp:  stamp,
		Suffix: suffix,
		Ext:    c.Ext,
	}, nil
}

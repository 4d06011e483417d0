package assetkey

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint describes where objects are publicly reachable
type Endpoint struct {
	Secure bool
	Host   string
	Port   int
	Bucket string
}

// ParseEndpoint builds an Endpoint from a base URL such as "https://cdn.example.com:9000"
func ParseEndpoint(raw, bucket string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", raw)
	}

	ep := Endpoint{
		Secure: u.Scheme == "https",
		Host:   u.Hostname(),
		Bucket: bucket,
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid endpoint port %q: %w", p, err)
		}
		ep.Port = port
	}
	return ep, nil
}

func (e Endpoint) scheme() string {
	if e.Secure {
		return "https"
	}
	return "http"
}

func (e Endpoint) defaultPort() int {
	if e.Secure {
		return 443
	}
	return 80
}

// URL renders scheme://host[:port]/bucket/key, omitting the scheme's default port
func (e Endpoint) URL(objectKey string) string {
	host := e.Host
	if e.Port != 0 && e.Port != e.defaultPort() {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	u := url.URL{
		Scheme: e.scheme(),
		Host:   host,
		Path:   "/" + e.Bucket + "/" + objectKey,
	}
	return u.String()
}

// ObjectKeyFromURL decodes a stored reference back into its object key.
// Host and port are ignored so references survive endpoint changes; the
// bucket segment and the key structure are both checked with codec.
func (e Endpoint) ObjectKeyFromURL(raw string, codec Codec) (Key, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Key{}, fmt.Errorf("%w: unparseable url %q: %v", ErrMalformedKey, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Key{}, fmt.Errorf("%w: %q is not an absolute url", ErrMalformedKey, raw)
	}

	bucket, objectKey, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || bucket != e.Bucket {
		return Key{}, fmt.Errorf("%w: %q is not in bucket %q", ErrMalformedKey, raw, e.Bucket)
	}
	return codec.Parse(objectKey)
}

package assetkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint_URL(t *testing.T) {
	key := "assets/u1/1712345678901234567-0123456789ab.jpg"

	tests := []struct {
		name     string
		endpoint Endpoint
		want     string
	}{
		{
			name:     "http default port omitted",
			endpoint: Endpoint{Host: "minio.local", Port: 80, Bucket: "avatars"},
			want:     "http://minio.local/avatars/" + key,
		},
		{
			name:     "https default port omitted",
			endpoint: Endpoint{Secure: true, Host: "cdn.example.com", Port: 443, Bucket: "avatars"},
			want:     "https://cdn.example.com/avatars/" + key,
		},
		{
			name:     "custom port kept",
			endpoint: Endpoint{Host: "localhost", Port: 9000, Bucket: "avatars"},
			want:     "http://localhost:9000/avatars/" + key,
		},
		{
			name:     "443 on plain http is kept",
			endpoint: Endpoint{Host: "localhost", Port: 443, Bucket: "avatars"},
			want:     "http://localhost:443/avatars/" + key,
		},
		{
			name:     "zero port",
			endpoint: Endpoint{Secure: true, Host: "s3.amazonaws.com", Bucket: "avatars"},
			want:     "https://s3.amazonaws.com/avatars/" + key,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.endpoint.URL(key))
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("https://cdn.example.com:8443", "avatars")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Secure: true, Host: "cdn.example.com", Port: 8443, Bucket: "avatars"}, ep)

	ep, err = ParseEndpoint("http://localhost", "b")
	require.NoError(t, err)
	assert.False(t, ep.Secure)
	assert.Zero(t, ep.Port)

	_, err = ParseEndpoint("ftp://host", "b")
	assert.Error(t, err)
	_, err = ParseEndpoint("http://", "b")
	assert.Error(t, err)
}

func TestEndpoint_ObjectKeyFromURL(t *testing.T) {
	codec := NewCodec("", "")
	ep := Endpoint{Host: "localhost", Port: 9000, Bucket: "avatars"}
	objectKey := "assets/u1/1712345678901234567-0123456789ab.jpg"

	t.Run("round trip", func(t *testing.T) {
		key, err := ep.ObjectKeyFromURL(ep.URL(objectKey), codec)
		require.NoError(t, err)
		assert.Equal(t, objectKey, key.String())
	})

	t.Run("host change still resolves", func(t *testing.T) {
		moved := Endpoint{Secure: true, Host: "cdn.example.com", Bucket: "avatars"}
		key, err := ep.ObjectKeyFromURL(moved.URL(objectKey), codec)
		require.NoError(t, err)
		assert.Equal(t, objectKey, key.String())
	})

	failures := map[string]string{
		"wrong bucket":  "http://localhost:9000/other/" + objectKey,
		"relative":      "/avatars/" + objectKey,
		"bad structure": "http://localhost:9000/avatars/assets/stale-7f3a.webp",
		"no key":        "http://localhost:9000/avatars",
		"garbage":       "::not a url",
	}
	for name, raw := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := ep.ObjectKeyFromURL(raw, codec)
			assert.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

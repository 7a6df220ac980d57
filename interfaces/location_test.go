package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorageBackendLocation(t *testing.T) {
	tests := []struct {
		uri    string
		scheme string
		host   string
		path   string
		err    bool
	}{
		{uri: "mem://cache", scheme: "mem", host: "cache"},
		{uri: "file:///var/lib/stowage", scheme: "file", path: "/var/lib/stowage"},
		{uri: "S3://bucket/prefix", scheme: "s3", host: "bucket", path: "/prefix"},
		{uri: "vault://vault.internal:8200/kv/apps", scheme: "vault", host: "vault.internal:8200", path: "/kv/apps"},
		{uri: "https://gateway:8443", scheme: "https", host: "gateway:8443"},
		{uri: "ftp://host/x", err: true},
		{uri: "no-scheme", err: true},
		{uri: "%zz", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			loc, err := NewStorageBackendLocation(tt.uri)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, loc.Scheme)
			assert.Equal(t, tt.host, loc.Host)
			assert.Equal(t, tt.path, loc.Path)
			assert.Equal(t, tt.uri, loc.Raw)
		})
	}
}

func TestStorageBackendLocation_Params(t *testing.T) {
	loc, err := NewStorageBackendLocation("s3://AKID:SECRET@bucket/prefix?region=eu-west-1&path_style=1&tls=no")
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", loc.GetParam("region"))
	assert.Equal(t, "", loc.GetParam("endpoint"))
	assert.Equal(t, "us-east-1", loc.GetParamDefault("endpoint_region", "us-east-1"))
	assert.Equal(t, "eu-west-1", loc.GetParamDefault("region", "us-east-1"))
	assert.True(t, loc.GetParamBool("path_style"))
	assert.False(t, loc.GetParamBool("tls"))
	assert.False(t, loc.GetParamBool("missing"))

	assert.Equal(t, "AKID", loc.User.Username())
	assert.NotContains(t, loc.String(), "SECRET")
	assert.Contains(t, loc.String(), "bucket/prefix")

	loc, err = NewStorageBackendLocation("vault://hvs.TOKEN@vault:8200/kv")
	require.NoError(t, err)
	assert.Equal(t, "hvs.TOKEN", loc.User.Username())
	assert.Equal(t, "vault://xxxxx@vault:8200/kv", loc.String())
}

package security

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{name: "valid https IP literal", url: "https://8.8.8.8/v1/mempool", wantErr: ""},
		{name: "valid http IP literal", url: "http://1.1.1.1", wantErr: ""},
		{name: "malformed URL", url: "://bad", wantErr: "invalid URL format"},
		{name: "bad scheme", url: "ftp://streams.somnia.example", wantErr: "scheme must be"},
		{name: "missing host", url: "https://", wantErr: "must have a host"},
		{name: "localhost hostname", url: "http://localhost:8545", wantErr: "not allowed"},
		{name: "gcp metadata hostname", url: "http://metadata.google.internal/", wantErr: "not allowed"},
		{name: "loopback IP literal", url: "http://127.0.0.1:8545", wantErr: "loopback"},
		{name: "private IP literal", url: "http://10.0.0.5", wantErr: "private"},
		{name: "link-local IP literal", url: "http://169.254.169.254", wantErr: "link-local"},
		{name: "unspecified IP literal", url: "http://0.0.0.0", wantErr: "unspecified"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestCheckIP_AllowsPublicAddress(t *testing.T) {
	assert.NoError(t, checkIP(net.ParseIP("8.8.8.8")))
}

func TestCheckIP_BlocksReservedRanges(t *testing.T) {
	assert.Error(t, checkIP(net.ParseIP("127.0.0.1")))
	assert.Error(t, checkIP(net.ParseIP("192.168.1.1")))
	assert.Error(t, checkIP(net.ParseIP("169.254.0.1")))
	assert.Error(t, checkIP(net.ParseIP("0.0.0.0")))
}

package smtp

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainIdentity(t *testing.T) {
	t.Parallel()

	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name    string
		encoded string
		want    string
		wantErr bool
	}{
		{name: "authcid only", encoded: enc("\x00testuser\x00testpass"), want: "testuser"},
		{name: "with authzid", encoded: enc("admin\x00testuser\x00testpass"), want: "testuser"},
		{name: "authzid fallback", encoded: enc("admin\x00\x00testpass"), want: "admin"},
		{name: "surrounding space", encoded: " " + enc("\x00u\x00p") + " ", want: "u"},
		{name: "invalid base64", encoded: "not-base64!!!", wantErr: true},
		{name: "missing separators", encoded: enc("useronly"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := plainIdentity(tt.encoded)
			if tt.wantErr {
				require.Error(t, err, "got identity %q", got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

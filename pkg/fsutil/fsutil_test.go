package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		in      string
		want    *Owner
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "1000:1000", want: &Owner{UID: 1000, GID: 1000}},
		{in: "0:50", want: &Owner{UID: 0, GID: 50}},
		{in: "1000", wantErr: true},
		{in: "1000:1000:1", wantErr: true},
		{in: "lab:1000", wantErr: true},
		{in: "1000:lab", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOwner(tt.in)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.csv")
	require.NoError(t, os.WriteFile(path, []byte("B001\n"), 0o600))

	require.NoError(t, Chown(path, nil))

	// Chowning to the current owner is always permitted.
	require.NoError(t, Chown(path, &Owner{UID: os.Getuid(), GID: os.Getgid()}))
}

package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Ref
		wantErr bool
	}{
		{name: "plain", input: "store/raw/a/b.bin", want: Ref{Container: "store", Path: "raw/a/b.bin"}},
		{name: "leading slash", input: "/store/raw/b.bin", want: Ref{Container: "store", Path: "raw/b.bin"}},
		{
			name:  "url",
			input: "https://acct.blob.core.windows.net/store/raw/b.bin",
			want:  Ref{Container: "store", Path: "raw/b.bin"},
		},
		{name: "container only", input: "store", wantErr: true},
		{name: "empty path", input: "store/", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRefIn(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		container string
		want      Ref
		wantErr   bool
	}{
		{name: "bare name", input: "scene.tif", container: "store", want: Ref{Container: "store", Path: "scene.tif"}},
		{name: "bare name with slash", input: "/scene.tif", container: "store", want: Ref{Container: "store", Path: "scene.tif"}},
		{name: "same container", input: "store/raw/a.bin", container: "store", want: Ref{Container: "store", Path: "raw/a.bin"}},
		{name: "other container", input: "other/raw/a.bin", container: "store", wantErr: true},
		{name: "unscoped", input: "other/raw/a.bin", want: Ref{Container: "other", Path: "raw/a.bin"}},
		{name: "unscoped bare name", input: "scene.tif", wantErr: true},
		{name: "empty", input: "", container: "store", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRefIn(tt.input, tt.container)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRefHelpers(t *testing.T) {
	r := Ref{Container: "store", Path: "raw/x/file.csv"}

	assert.Equal(t, "store/raw/x/file.csv", r.String())
	assert.Equal(t, "file.csv", r.Name())
	assert.Equal(t, Ref{Container: "store", Path: "raw/x/file.csv.error"}, r.WithSuffix(".error"))
	assert.Equal(t, Ref{Container: "store", Path: "other"}, r.WithPath("other"))
	assert.False(t, r.IsZero())
	assert.True(t, Ref{}.IsZero())
}

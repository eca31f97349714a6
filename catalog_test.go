package modelcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCatalog(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    []AssetKey
		wantErr error
	}{
		{
			name: "valid",
			data: "models:\n  - key: a\n    name: A\n    url: http://x/a\n  - key: b\n    name: B\n",
			want: []AssetKey{"a", "b"},
		},
		{
			name: "empty",
			data: "",
			want: []AssetKey{},
		},
		{
			name:    "duplicate key",
			data:    "models:\n  - key: a\n  - key: a\n",
			wantErr: ErrInvalidKey,
		},
		{
			name:    "missing key",
			data:    "models:\n  - name: nameless\n",
			wantErr: ErrInvalidKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := ParseCatalog([]byte(tt.data))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cat.Keys())
		})
	}

	_, err := ParseCatalog([]byte("models: [unclosed"))
	assert.Error(t, err)
}

func TestParseCatalogFields(t *testing.T) {
	cat, err := ParseCatalog([]byte(`models:
  - key: ocr
    name: OCR
    size: 40 MB
    description: Text recognition.
    url: https://example.com/ocr.onnx
`))
	require.NoError(t, err)
	require.Len(t, cat, 1)
	assert.Equal(t, ModelDescriptor{
		Key:            "ocr",
		DisplayName:    "OCR",
		AdvertisedSize: "40 MB",
		Description:    "Text recognition.",
		SourceURL:      "https://example.com/ocr.onnx",
	}, cat[0])
}

func TestLoadCatalog(t *testing.T) {
	cat, err := LoadCatalog("catalog.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, []AssetKey{"ocr-small", "ocr-large", "upscale-x4", "whisper-base"}, cat.Keys())
	for _, d := range cat {
		assert.NotEmpty(t, d.SourceURL, d.Key)
	}

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCatalogLookup(t *testing.T) {
	cat := testCatalog(map[AssetKey]string{"m2": "http://x/m2"})

	d, ok := cat.Lookup("m2")
	require.True(t, ok)
	assert.Equal(t, "Model Two", d.DisplayName)
	assert.Equal(t, "http://x/m2", d.SourceURL)

	_, ok = cat.Lookup("nope")
	assert.False(t, ok)
}

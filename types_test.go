package modelcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     AssetKey
		wantErr bool
	}{
		{"simple", "ocr-small", false},
		{"with slash", "org/model", false},
		{"unicode", "modèle", false},
		{"max length", AssetKey(strings.Repeat("k", MaxKeyLength)), false},
		{"empty", "", true},
		{"too long", AssetKey(strings.Repeat("k", MaxKeyLength+1)), true},
		{"newline", "a\nb", true},
		{"nul", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAssetKeyString(t *testing.T) {
	assert.Equal(t, "m1", AssetKey("m1").String())
}

package modelcache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelDescriptor describes a known model. Descriptors come from static
// catalog data and are never modified by the cache.
type ModelDescriptor struct {
	// Key identifies the asset in the store.
	Key AssetKey `yaml:"key" json:"key"`

	// DisplayName is the human-readable name, stored as the asset label.
	DisplayName string `yaml:"name" json:"name"`

	// AdvertisedSize is the size shown to users, e.g. "40 MB". Informational only.
	AdvertisedSize string `yaml:"size,omitempty" json:"size,omitempty"`

	// Description is a short explanation of the model.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// SourceURL is where the asset is downloaded from.
	SourceURL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// Catalog is an ordered list of model descriptors.
// The order is the display order and the selection fallback order.
type Catalog []ModelDescriptor

// catalogFile is the on-disk layout of a catalog.
type catalogFile struct {
	Models Catalog `yaml:"models"`
}

// LoadCatalog reads a YAML catalog file of the form:
//
//	models:
//	  - key: ocr-small
//	    name: OCR (small)
//	    size: 40 MB
//	    url: https://example.com/ocr-small.onnx
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates YAML catalog data.
func ParseCatalog(data []byte) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := f.Models.Validate(); err != nil {
		return nil, err
	}
	return f.Models, nil
}

// Validate checks that every key is valid and unique.
func (c Catalog) Validate() error {
	seen := make(map[AssetKey]bool, len(c))
	for i, d := range c {
		if err := ValidateKey(d.Key); err != nil {
			return fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if seen[d.Key] {
			return fmt.Errorf("catalog entry %d: duplicate key %q: %w", i, d.Key, ErrInvalidKey)
		}
		seen[d.Key] = true
	}
	return nil
}

// Lookup returns the descriptor for key.
func (c Catalog) Lookup(key AssetKey) (ModelDescriptor, bool) {
	for _, d := range c {
		if d.Key == key {
			return d, true
		}
	}
	return ModelDescriptor{}, false
}

// Keys returns the catalog keys in order.
func (c Catalog) Keys() []AssetKey {
	keys := make([]AssetKey, len(c))
	for i, d := range c {
		keys[i] = d.Key
	}
	return keys
}

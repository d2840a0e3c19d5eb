package catalog

import _ "embed"

// DefaultYAML is the catalog written by `abtest init`.
//
//go:embed default.yaml
var DefaultYAML []byte

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(DefaultYAML)
	if err != nil {
		panic("catalog: built-in catalog is invalid: " + err.Error())
	}
	return c
}

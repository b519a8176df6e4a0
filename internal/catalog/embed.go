package catalog

import (
	_ "embed"
)

// defaultCatalog is the catalog baked into the binary. Deployments that
// need newer service signatures point catalog.path at a file instead.
//
//go:embed default.yaml
var defaultCatalog []byte

// Default parses the embedded catalog.
func Default() (*Snapshot, error) {
	return Parse(defaultCatalog)
}

package keystore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PinnedKeys maps server name -> key ID -> base64 public key. Pinned
// keys are trusted unconditionally and never expire or hit the
// network; they exist for bootstrap and for peers whose key servers
// are unreachable from this deployment.
type PinnedKeys map[string]map[string]string

// LoadPinnedKeys reads a YAML seed file of the form:
//
//	servers:
//	  example.org:
//	    "ed25519:abc123": "<base64 public key>"
//
// An empty path is not an error; it simply yields no pins.
func LoadPinnedKeys(path string) (PinnedKeys, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read pinned keys: %w", err)
	}
	var doc struct {
		Servers map[string]map[string]string `yaml:"servers"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("keystore: parse pinned keys %s: %w", path, err)
	}
	return PinnedKeys(doc.Servers), nil
}

package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestVersion is the only manifest layout Verify accepts.
const ManifestVersion = "1"

// Manifest describes a log bundle. It is stored as manifest.yaml at the root
// of the archive.
type Manifest struct {
	Version          string    `yaml:"version"`
	CreatedAt        time.Time `yaml:"created_at"`
	RunID            string    `yaml:"run_id,omitempty"`
	Outcome          string    `yaml:"outcome,omitempty"`
	Signer           string    `yaml:"signer,omitempty"`
	SigningPublicKey string    `yaml:"signing_public_key,omitempty"`
	Signature        string    `yaml:"signature,omitempty"`
	Logs             []LogFile `yaml:"logs"`
}

// LogFile is one driver log within the bundle.
type LogFile struct {
	Path    string `yaml:"path"`
	Machine string `yaml:"machine,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
	Size    int64  `yaml:"size"`
	SHA256  string `yaml:"sha256"`
}

// SigningBytes is the manifest encoding covered by the signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// VerifyConfig configures Verify.
type VerifyConfig struct {
	BundlePath string
	Signer     *Signer
	// ExtractDir receives the logs when set.
	ExtractDir string
}

type digest struct {
	size int64
	sum  string
}

// Verify checks the manifest signature and the size and SHA-256 of every log
// in the bundle.
func Verify(ctx context.Context, cfg VerifyConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}

	file, err := os.Open(cfg.BundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		raw     []byte
		digests = map[string]digest{}
		tr      = tar.NewReader(decoder)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			if raw, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		rel, ok := strings.CutPrefix(name, logsTarPrefix+"/")
		if !ok || rel == "" || strings.Contains(rel, "/") {
			return nil, fmt.Errorf("unexpected entry %q", header.Name)
		}
		d, err := consume(tr, rel, cfg.ExtractDir)
		if err != nil {
			return nil, err
		}
		digests[rel] = d
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("bundle missing %s", manifestFileName)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, log := range manifest.Logs {
		got, ok := digests[log.Path]
		if !ok {
			return nil, fmt.Errorf("log %q missing from archive", log.Path)
		}
		if got.size != log.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", log.Path, log.Size, got.size)
		}
		if !strings.EqualFold(got.sum, log.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", log.Path)
		}
		delete(digests, log.Path)
	}
	for extra := range digests {
		return nil, fmt.Errorf("log %q is not listed in the manifest", extra)
	}
	return &manifest, nil
}

func consume(r io.Reader, name, extractDir string) (digest, error) {
	hash := sha256.New()
	w := io.Writer(hash)
	if extractDir != "" {
		if err := os.MkdirAll(extractDir, 0o755); err != nil {
			return digest{}, fmt.Errorf("create extract dir: %w", err)
		}
		out, err := os.Create(filepath.Join(extractDir, name))
		if err != nil {
			return digest{}, fmt.Errorf("extract %q: %w", name, err)
		}
		defer out.Close()
		w = io.MultiWriter(hash, out)
	}
	size, err := io.Copy(w, r)
	if err != nil {
		return digest{}, fmt.Errorf("read %q: %w", name, err)
	}
	return digest{size: size, sum: hex.EncodeToString(hash.Sum(nil))}, nil
}

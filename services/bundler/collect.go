// Package bundler packs driver logs of a provisioning run into a signed
// tar.zst archive and checks such archives.
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
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	logsTarPrefix    = "logs"
	// DefaultPattern matches the log files written by the driver launcher.
	DefaultPattern = "redfish_virtual_media_*.log"
)

// MachineLog ties a log file to the machine that produced it.
type MachineLog struct {
	Machine string
	Outcome string
}

// CollectConfig configures Collect.
type CollectConfig struct {
	LogDir string
	// Pattern selects files in LogDir. DefaultPattern when empty.
	Pattern string
	Output  string
	Signer  *Signer
	RunID   string
	Outcome string
	// Machines maps log file base names to their machine.
	Machines map[string]MachineLog
	Now      func() time.Time
}

// Collect writes a signed bundle of the log files in cfg.LogDir to
// cfg.Output and returns its manifest.
func Collect(ctx context.Context, cfg CollectConfig) (*Manifest, error) {
	if cfg.LogDir == "" {
		return nil, errors.New("log directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	paths, err := filepath.Glob(filepath.Join(cfg.LogDir, cfg.Pattern))
	if err != nil {
		return nil, fmt.Errorf("match %q: %w", cfg.Pattern, err)
	}
	sort.Strings(paths)

	logs := make([]LogFile, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		sum, size, err := hashFile(path)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(path)
		owner := cfg.Machines[name]
		logs = append(logs, LogFile{
			Path:    name,
			Machine: owner.Machine,
			Outcome: owner.Outcome,
			Size:    size,
			SHA256:  sum,
		})
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("no log files matching %q in %s", cfg.Pattern, cfg.LogDir)
	}

	manifest := &Manifest{
		Version:          ManifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		RunID:            cfg.RunID,
		Outcome:          cfg.Outcome,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Logs:             logs,
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if manifest.Signature, err = cfg.Signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	encoded, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(cfg.Output, encoded, cfg.LogDir, manifest.CreatedAt, logs); err != nil {
		os.Remove(cfg.Output)
		return nil, err
	}
	return manifest, nil
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func writeArchive(output string, manifest []byte, logDir string, created time.Time, logs []LogFile) (err error) {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	err = tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  created,
		Typeflag: tar.TypeReg,
	})
	if err == nil {
		_, err = tw.Write(manifest)
	}
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for _, entry := range logs {
		if err := appendFile(tw, filepath.Join(logDir, entry.Path), entry); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

// appendFile copies exactly entry.Size bytes so a log still being written
// cannot break the archive.
func appendFile(tw *tar.Writer, path string, entry LogFile) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	header := &tar.Header{
		Name:     logsTarPrefix + "/" + entry.Path,
		Mode:     int64(info.Mode().Perm()),
		Size:     entry.Size,
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.CopyN(tw, file, entry.Size); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

package bundler

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	signer, err := NewSigner(identity.String(), "")
	require.NoError(t, err)
	return signer
}

func writeLogs(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestCollectAndVerify(t *testing.T) {
	logDir := t.TempDir()
	writeLogs(t, logDir, map[string]string{
		"redfish_virtual_media_c1_a.log": "booting a\n",
		"redfish_virtual_media_c1_b.log": "booting b\nfailed\n",
		"unrelated.txt":                  "ignored",
	})
	signer := newSigner(t)
	out := filepath.Join(t.TempDir(), "bundles", "run.tar.zst")
	now := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	manifest, err := Collect(context.Background(), CollectConfig{
		LogDir:  logDir,
		Output:  out,
		Signer:  signer,
		RunID:   "r1",
		Outcome: "failed",
		Machines: map[string]MachineLog{
			"redfish_virtual_media_c1_b.log": {Machine: "c1/b", Outcome: "process failed"},
		},
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
	require.Len(t, manifest.Logs, 2)
	assert.Equal(t, "redfish_virtual_media_c1_a.log", manifest.Logs[0].Path)
	assert.Equal(t, "c1/b", manifest.Logs[1].Machine)
	assert.Equal(t, int64(len("booting b\nfailed\n")), manifest.Logs[1].Size)
	assert.Equal(t, now.Truncate(time.Second), manifest.CreatedAt)
	assert.NotEmpty(t, manifest.Signer)

	extract := t.TempDir()
	verifier, err := NewSigner("", signer.PublicKeyBase64())
	require.NoError(t, err)
	got, err := Verify(context.Background(), VerifyConfig{BundlePath: out, Signer: verifier, ExtractDir: extract})
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, manifest.Signature, got.Signature)

	data, err := os.ReadFile(filepath.Join(extract, "redfish_virtual_media_c1_a.log"))
	require.NoError(t, err)
	assert.Equal(t, "booting a\n", string(data))
}

func TestCollectNoLogs(t *testing.T) {
	_, err := Collect(context.Background(), CollectConfig{
		LogDir: t.TempDir(),
		Output: filepath.Join(t.TempDir(), "x.tar.zst"),
		Signer: newSigner(t),
	})
	assert.ErrorContains(t, err, "no log files")
}

func TestVerifyRejectsOtherKey(t *testing.T) {
	logDir := t.TempDir()
	writeLogs(t, logDir, map[string]string{"redfish_virtual_media_c1_a.log": "x"})
	out := filepath.Join(t.TempDir(), "run.tar.zst")
	_, err := Collect(context.Background(), CollectConfig{LogDir: logDir, Output: out, Signer: newSigner(t)})
	require.NoError(t, err)

	_, err = Verify(context.Background(), VerifyConfig{BundlePath: out, Signer: newSigner(t)})
	assert.ErrorContains(t, err, "unexpected key")
}

func TestVerifyDetectsTampering(t *testing.T) {
	logDir := t.TempDir()
	writeLogs(t, logDir, map[string]string{"redfish_virtual_media_c1_a.log": "original"})
	signer := newSigner(t)
	out := filepath.Join(t.TempDir(), "run.tar.zst")
	_, err := Collect(context.Background(), CollectConfig{LogDir: logDir, Output: out, Signer: signer})
	require.NoError(t, err)

	tampered := filepath.Join(t.TempDir(), "tampered.tar.zst")
	rewrite(t, out, tampered, func(name string, body []byte) []byte {
		if strings.HasPrefix(name, logsTarPrefix+"/") {
			return []byte("replaced")
		}
		return body
	})

	_, err = Verify(context.Background(), VerifyConfig{BundlePath: tampered, Signer: signer})
	assert.ErrorContains(t, err, "sha256 mismatch")
}

// rewrite copies a bundle, passing every entry body through edit.
func rewrite(t *testing.T, src, dst string, edit func(name string, body []byte) []byte) {
	t.Helper()
	in, err := os.Open(src)
	require.NoError(t, err)
	defer in.Close()
	dec, err := zstd.NewReader(in)
	require.NoError(t, err)
	defer dec.Close()

	out, err := os.Create(dst)
	require.NoError(t, err)
	defer out.Close()
	enc, err := zstd.NewWriter(out)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)

	tr := tar.NewReader(dec)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		body = edit(header.Name, body)
		header.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(header))
		_, err = tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())
}

func TestNewSigner(t *testing.T) {
	_, err := NewSigner("", "")
	assert.Error(t, err)

	_, err = NewSigner("AGE-SECRET-KEY-1BOGUS", "")
	assert.Error(t, err)

	signer := newSigner(t)
	other := newSigner(t)
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, err = NewSigner(identity.String(), other.PublicKeyBase64())
	assert.ErrorContains(t, err, "does not match")

	verifyOnly, err := NewSigner("", signer.PublicKeyBase64())
	require.NoError(t, err)
	_, err = verifyOnly.Sign([]byte("x"))
	assert.Error(t, err)

	sig, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.NoError(t, verifyOnly.Verify([]byte("payload"), sig, ""))
	assert.Error(t, verifyOnly.Verify([]byte("other"), sig, ""))
}

type memStore struct {
	bucket, key, sum string
	body             []byte
}

func (m *memStore) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, sha string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.bucket, m.key, m.sum, m.body = bucket, key, sha, body
	return nil
}

func (m *memStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://s3.local/" + bucket + "/" + key + "?ttl=" + ttl.String(), nil
}

func TestUpload(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "run-r1.tar.zst")
	require.NoError(t, os.WriteFile(bundle, []byte("bundle"), 0o644))
	store := &memStore{}

	url, err := Upload(context.Background(), UploadConfig{
		BundlePath: bundle,
		Store:      store,
		Bucket:     "logs",
		Prefix:     "iut/logs",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://s3.local/logs/iut/logs/run-r1.tar.zst?ttl=24h0m0s", url)
	assert.Equal(t, "bundle", string(store.body))
	assert.Equal(t, "1e6ed65d77d6364eeaed5a745ba5c4985ae2b700dd85d7cf7f027bdf294a33fc", store.sum)

	_, err = Upload(context.Background(), UploadConfig{BundlePath: bundle, Store: store})
	assert.Error(t, err)
}

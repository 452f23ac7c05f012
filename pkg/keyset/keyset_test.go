package keyset

import (
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/stretchr/testify/require"
)

func buildCert(t *testing.T, cn string) *certificate.Certificate {
	t.Helper()
	key, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	cert, err := certificate.Build(certificate.Template{
		SubjectDN: pkix.Name{CommonName: cn},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		IsCA:      true,
	}, key, nil, nil)
	require.NoError(t, err)
	return cert
}

func TestFileBackendSetGetDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyset.json")

	ks, err := Open(BackendFile, NewFileBackend(), path, CapCreate, nil)
	require.NoError(t, err)

	cert := buildCert(t, "leaf")
	require.NoError(t, ks.Set(cert, ""))
	require.NoError(t, ks.backend.(*FileBackend).persist())

	got, err := ks.GetPublic(IDSubjectDN, "CN=leaf")
	require.NoError(t, err)
	require.Equal(t, cert.Parsed.SerialNumber, got.Parsed.SerialNumber)

	require.NoError(t, ks.Delete(IDSubjectDN, "CN=leaf"))
	_, err = ks.GetPublic(IDSubjectDN, "CN=leaf")
	require.Error(t, err)
}

func TestFileBackendPersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyset.json")

	ks1, err := Open(BackendFile, NewFileBackend(), path, CapCreate, nil)
	require.NoError(t, err)
	require.NoError(t, ks1.Set(buildCert(t, "persisted"), ""))
	require.NoError(t, ks1.backend.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	ks2, err := Open(BackendFile, NewFileBackend(), path, CapReadOnly, nil)
	require.NoError(t, err)
	_, err = ks2.GetPublic(IDSubjectDN, "CN=persisted")
	require.NoError(t, err)
}

func TestReadOnlyKeysetRejectsSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyset.json")
	// Opening without CapCreate requires the file to exist already.
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	ks, err := Open(BackendFile, NewFileBackend(), path, CapReadOnly, nil)
	require.NoError(t, err)
	err = ks.Set(buildCert(t, "nope"), "")
	require.Error(t, err)
}

func TestQueryGlobSelectorMatchesLabel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyset.json")
	ks, err := Open(BackendFile, NewFileBackend(), path, CapCreate, nil)
	require.NoError(t, err)
	require.NoError(t, ks.Set(buildCert(t, "alpha"), ""))
	require.NoError(t, ks.Set(buildCert(t, "beta"), ""))

	results, err := ks.Query("CN=alp*")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

package trust

import (
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/stretchr/testify/require"
)

func buildSelfSigned(t *testing.T, cn string) *certificate.Certificate {
	cert, _ := buildSelfSignedWithKey(t, cn)
	return cert
}

func buildSelfSignedWithKey(t *testing.T, cn string) (*certificate.Certificate, *capability.Context) {
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
	return cert, key
}

func TestAddFindDelete(t *testing.T) {
	m, err := New(16)
	require.NoError(t, err)

	root := buildSelfSigned(t, "root")
	require.NoError(t, m.Add(kernel.Handle(1), root, nil, true))
	require.True(t, m.Changed())

	e, err := m.Find(root, false)
	require.NoError(t, err)
	require.Equal(t, "CN=root", e.SubjectDN)

	require.NoError(t, m.Delete(e))
	_, err = m.Find(root, false)
	require.Error(t, err)
}

func TestAddDuplicateRejected(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	root := buildSelfSigned(t, "root")
	require.NoError(t, m.Add(kernel.Handle(1), root, nil, true))
	err = m.Add(kernel.Handle(2), root, nil, true)
	require.Error(t, err)
}

func TestFindWantIssuerUsesIssuerDN(t *testing.T) {
	m, err := New(4)
	require.NoError(t, err)
	root, rootKey := buildSelfSignedWithKey(t, "root")
	require.NoError(t, m.Add(kernel.Handle(1), root, nil, true))

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := certificate.Build(certificate.Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}, leafKey, root, rootKey)
	require.NoError(t, err)

	e, err := m.Find(leaf, true)
	require.NoError(t, err)
	require.Equal(t, "CN=root", e.SubjectDN)
}

func TestGetLazyDecodesFromBytes(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	root := buildSelfSigned(t, "root")
	require.NoError(t, m.Add(kernel.NullHandle, root, nil, true))

	e, err := m.Find(root, false)
	require.NoError(t, err)
	materialised, err := m.Get(e)
	require.NoError(t, err)
	require.True(t, materialised.TrustedImplicit)
	require.Equal(t, root.Parsed.SerialNumber, materialised.Parsed.SerialNumber)
}

func TestEnumerateReturnsAllEntries(t *testing.T) {
	m, err := New(0)
	require.NoError(t, err)
	require.NoError(t, m.Add(kernel.Handle(1), buildSelfSigned(t, "a"), nil, true))
	require.NoError(t, m.Add(kernel.Handle(2), buildSelfSigned(t, "b"), nil, true))
	require.Len(t, m.Enumerate(), 2)
}

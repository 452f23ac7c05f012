package pathvalidator

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/coreguard/cryptkernel/pkg/trust"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, pathLen int, hasPathLen bool) (*certificate.Certificate, *certificate.Certificate, *trust.Manager) {
	t.Helper()
	rootKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	root, err := certificate.Build(certificate.Template{
		SubjectDN:         pkix.Name{CommonName: "root"},
		NotBefore:         time.Now().Add(-time.Hour),
		NotAfter:          time.Now().Add(24 * time.Hour),
		IsCA:              true,
		HasPathLen:        hasPathLen,
		PathLenConstraint: pathLen,
	}, rootKey, nil, nil)
	require.NoError(t, err)

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := certificate.Build(certificate.Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}, leafKey, root, rootKey)
	require.NoError(t, err)

	tm, err := trust.New(16)
	require.NoError(t, err)
	require.NoError(t, tm.Add(kernel.Handle(1), root, nil, true))

	return leaf, root, tm
}

func TestValidateSelfSignedRootAndLeaf(t *testing.T) {
	leaf, root, tm := buildChain(t, 0, false)
	v, err := New(tm, 16)
	require.NoError(t, err)

	result, err := v.Validate([]*certificate.Certificate{leaf, root}, Options{Level: LevelStandard})
	require.NoError(t, err)
	require.Equal(t, -1, result.Position, "expected OK, got locus %v at position %d: %v", result.Locus, result.Position, result.Err)
}

func TestValidateUntrustedRootFails(t *testing.T) {
	leaf, root, _ := buildChain(t, 0, false)
	tm, err := trust.New(0)
	require.NoError(t, err)
	v, err := New(tm, 0)
	require.NoError(t, err)

	result, err := v.Validate([]*certificate.Certificate{leaf, root}, Options{Level: LevelStandard})
	require.NoError(t, err)
	require.Equal(t, LocusTrustAnchor, result.Locus)
}

func TestPathLengthConstraintViolation(t *testing.T) {
	// root allows path length 0 (no intermediates); insert an
	// intermediate between root and leaf to violate it.
	rootKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	root, err := certificate.Build(certificate.Template{
		SubjectDN:         pkix.Name{CommonName: "root"},
		NotBefore:         time.Now().Add(-time.Hour),
		NotAfter:          time.Now().Add(24 * time.Hour),
		IsCA:              true,
		HasPathLen:        true,
		PathLenConstraint: 0,
	}, rootKey, nil, nil)
	require.NoError(t, err)

	intKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	intermediate, err := certificate.Build(certificate.Template{
		SubjectDN:  pkix.Name{CommonName: "intermediate"},
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(24 * time.Hour),
		IsCA:       true,
		HasPathLen: true,
	}, intKey, root, rootKey)
	require.NoError(t, err)

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := certificate.Build(certificate.Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}, leafKey, intermediate, intKey)
	require.NoError(t, err)

	tm, err := trust.New(0)
	require.NoError(t, err)
	require.NoError(t, tm.Add(kernel.Handle(1), root, nil, true))
	v, err := New(tm, 0)
	require.NoError(t, err)

	result, err := v.Validate([]*certificate.Certificate{leaf, intermediate, root}, Options{Level: LevelStandard})
	require.NoError(t, err)
	require.Equal(t, LocusPathLength, result.Locus)
}

func TestNameConstraintAllowsNonDotAnchoredSuffix(t *testing.T) {
	// Mirrors original_source's override of NIST PKITS test 4.13.38:
	// a permitted subtree of "testcertificates.gov" must admit the
	// leaf name "mytestcertificates.gov" even with no label boundary
	// between the two.
	rootKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	root, err := certificate.Build(certificate.Template{
		SubjectDN:         pkix.Name{CommonName: "root"},
		NotBefore:         time.Now().Add(-time.Hour),
		NotAfter:          time.Now().Add(24 * time.Hour),
		IsCA:              true,
		PermittedDNSNames: []string{"testcertificates.gov"},
	}, rootKey, nil, nil)
	require.NoError(t, err)

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := certificate.Build(certificate.Template{
		// No CommonName: name-constraint enforcement walks the
		// subject's CommonName alongside its DNS SANs, and this test
		// isolates the SAN check.
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
		DNSNames:  []string{"mytestcertificates.gov"},
	}, leafKey, root, rootKey)
	require.NoError(t, err)

	tm, err := trust.New(0)
	require.NoError(t, err)
	require.NoError(t, tm.Add(kernel.Handle(1), root, nil, true))
	v, err := New(tm, 0)
	require.NoError(t, err)

	result, err := v.Validate([]*certificate.Certificate{leaf, root}, Options{Level: LevelPKIXFull})
	require.NoError(t, err)
	require.Equal(t, -1, result.Position, "expected OK, got locus %v at position %d: %v", result.Locus, result.Position, result.Err)
}

func TestNameConstraintRejectsLabelMismatch(t *testing.T) {
	rootKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	root, err := certificate.Build(certificate.Template{
		SubjectDN:         pkix.Name{CommonName: "root"},
		NotBefore:         time.Now().Add(-time.Hour),
		NotAfter:          time.Now().Add(24 * time.Hour),
		IsCA:              true,
		PermittedDNSNames: []string{"foo.bar"},
	}, rootKey, nil, nil)
	require.NoError(t, err)

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := certificate.Build(certificate.Template{
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
		DNSNames:  []string{"foo1.bar"},
	}, leafKey, root, rootKey)
	require.NoError(t, err)

	tm, err := trust.New(0)
	require.NoError(t, err)
	require.NoError(t, tm.Add(kernel.Handle(1), root, nil, true))
	v, err := New(tm, 0)
	require.NoError(t, err)

	result, err := v.Validate([]*certificate.Certificate{leaf, root}, Options{Level: LevelPKIXFull})
	require.NoError(t, err)
	require.NotEqual(t, -1, result.Position, "expected foo1.bar to be rejected by the foo.bar name constraint")
}

func TestObliviousLevelSkipsValidityCheck(t *testing.T) {
	rootKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	root, err := certificate.Build(certificate.Template{
		SubjectDN: pkix.Name{CommonName: "root"},
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour), // already expired
		IsCA:      true,
	}, rootKey, nil, nil)
	require.NoError(t, err)

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := certificate.Build(certificate.Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
	}, leafKey, root, rootKey)
	require.NoError(t, err)

	tm, err := trust.New(0)
	require.NoError(t, err)
	require.NoError(t, tm.Add(kernel.Handle(1), root, nil, true))
	v, err := New(tm, 0)
	require.NoError(t, err)

	result, err := v.Validate([]*certificate.Certificate{leaf, root}, Options{Level: LevelOblivious})
	require.NoError(t, err)
	require.Equal(t, -1, result.Position)
}

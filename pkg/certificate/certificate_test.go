package certificate

import (
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/letsencrypt/boulder/revocation"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

func TestSelfSignedRoundTrip(t *testing.T) {
	key, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)

	cert, err := Build(Template{
		SubjectDN: pkix.Name{CommonName: "root"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		IsCA:      true,
	}, key, nil, nil)
	require.NoError(t, err)
	require.True(t, cert.SelfSigned)

	raw, err := cert.Encode()
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.True(t, decoded.SelfSigned)

	again, err := decoded.Encode()
	require.NoError(t, err)
	require.Equal(t, raw, again)
}

func TestCAIssuesLeaf(t *testing.T) {
	caKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	ca, err := Build(Template{
		SubjectDN:  pkix.Name{CommonName: "ca"},
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(24 * time.Hour),
		IsCA:       true,
		HasPathLen: true,
	}, caKey, nil, nil)
	require.NoError(t, err)

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := Build(Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}, leafKey, ca, caKey)
	require.NoError(t, err)
	require.False(t, leaf.SelfSigned)

	ok, err := leaf.Control("sig-check", map[string]any{"issuer": ca})
	require.NoError(t, err)
	require.Equal(t, true, ok)
}

func TestGetAttributeBeforeInitFails(t *testing.T) {
	cert := &Certificate{}
	_, err := cert.GetAttribute(acl.AttrCertSubjectDN)
	require.Error(t, err)
}

func TestRevocationReasonReadableAfterMark(t *testing.T) {
	key, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	cert, err := Build(Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}, key, nil, nil)
	require.NoError(t, err)

	_, err = cert.GetAttribute(acl.AttrCertRevocationReason)
	require.Error(t, err)

	cert.MarkRevoked(revocation.CACompromise, time.Now())
	val, err := cert.GetAttribute(acl.AttrCertRevocationReason)
	require.NoError(t, err)
	require.EqualValues(t, revocation.CACompromise, val.Numeric)
}

func TestSetAttributeRejectedOnSignedCertificate(t *testing.T) {
	key, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	cert, err := Build(Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}, key, nil, nil)
	require.NoError(t, err)

	err = cert.SetAttribute(acl.AttrCertValidFrom, acl.Value{Time: time.Now().Unix()})
	require.Error(t, err)
}

func TestOCSPRequestResponseRoundTrip(t *testing.T) {
	caKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	ca, err := Build(Template{
		SubjectDN: pkix.Name{CommonName: "ca"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		IsCA:      true,
	}, caKey, nil, nil)
	require.NoError(t, err)

	leafKey, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	leaf, err := Build(Template{
		SubjectDN: pkix.Name{CommonName: "leaf"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}, leafKey, ca, caKey)
	require.NoError(t, err)

	reqDER, err := ocsp.CreateRequest(leaf.Parsed, ca.Parsed, nil)
	require.NoError(t, err)
	req, err := DecodeOCSPRequest(reqDER)
	require.NoError(t, err)
	val, err := req.GetAttribute(acl.AttrCertSerialNumber)
	require.NoError(t, err)
	require.Equal(t, leaf.Parsed.SerialNumber.Bytes(), val.Binary)

	respDER, err := ocsp.CreateResponse(ca.Parsed, ca.Parsed, ocsp.Response{
		SerialNumber:     leaf.Parsed.SerialNumber,
		Status:           ocsp.Revoked,
		ThisUpdate:       time.Now(),
		RevokedAt:        time.Now(),
		RevocationReason: int(revocation.KeyCompromise),
	}, caKey.Private)
	require.NoError(t, err)

	resp, err := DecodeOCSPResponse(respDER, ca.Parsed)
	require.NoError(t, err)
	require.True(t, resp.Revoked())
	reason, err := resp.GetAttribute(acl.AttrCertRevocationReason)
	require.NoError(t, err)
	require.EqualValues(t, revocation.KeyCompromise, reason.Numeric)
}

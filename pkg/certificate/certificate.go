// Package certificate implements the certificate object data model
// (spec §3 "Certificate") and its subtypes (cert, chain, request, CRL,
// attribute-cert, RTCS/OCSP request-response, CMS-attrs, PKI-user).
// Parsing and encoding ride on crypto/x509 and
// github.com/sigstore/sigstore/pkg/cryptoutils for PEM/DER marshalling;
// revocation reason codes come from github.com/letsencrypt/boulder's
// revocation package, a real CA's own reason-code enumeration.
package certificate

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"time"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/letsencrypt/boulder/revocation"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"golang.org/x/crypto/ocsp"
)

// Certificate is the kernel.Payload for TypeCertificate objects. It
// carries both the parsed representation and the original encoded
// bytes, so the decode-then-encode round-trip invariant (spec §8) is
// trivially byte-exact: Encode always returns Raw, never a re-marshal.
type Certificate struct {
	Subtype kernel.Subtype
	Raw     []byte
	Parsed  *x509.Certificate

	SelfSigned      bool
	TrustedImplicit bool

	// PublicKeyContext is the dependent context handle binding this
	// certificate to its public key (spec §3 "Dependent object
	// handle"); the kernel table owns the actual refcounting, this is
	// just the handle value for handlers that need to reach it.
	PublicKeyContext kernel.Handle

	revoked    bool
	revReason  revocation.Reason
	revDate    time.Time

	// ocspRequest/ocspResponse carry decoded OCSP protocol data for
	// SubtypeCertOCSPRequest/SubtypeCertOCSPResponse objects (Parsed is
	// nil for both: neither wire message is itself a certificate).
	ocspRequest  *ocsp.Request
	ocspResponse *ocsp.Response

	signed bool // once true, the object is immutable (spec §3)
}

func (c *Certificate) ObjectType() kernel.Type       { return kernel.TypeCertificate }
func (c *Certificate) ObjectSubtype() kernel.Subtype { return c.Subtype }
func (c *Certificate) Destroy()                      {}

// Decode parses DER or PEM-encoded certificate bytes, preserving the
// exact input bytes for the round-trip invariant. Accepts PEM via
// cryptoutils so callers don't need to know which form a keyset
// backend handed back.
func Decode(raw []byte) (*Certificate, error) {
	der := raw
	if bytes.Contains(raw, []byte("-----BEGIN")) {
		certs, err := cryptoutils.UnmarshalCertificatesFromPEM(raw)
		if err != nil || len(certs) == 0 {
			return nil, errs.Wrap(errs.BadData, "cert_subject_dn", err)
		}
		parsed := certs[0]
		return &Certificate{
			Subtype:    kernel.SubtypeCertCert,
			Raw:        raw,
			Parsed:     parsed,
			SelfSigned: isSelfSigned(parsed),
			signed:     true,
		}, nil
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Wrap(errs.BadData, "cert_subject_dn", err)
	}
	return &Certificate{
		Subtype:    kernel.SubtypeCertCert,
		Raw:        raw,
		Parsed:     parsed,
		SelfSigned: isSelfSigned(parsed),
		signed:     true,
	}, nil
}

// Encode returns the exact bytes the certificate was decoded from or
// signed into — the testable property "∀ encoded certificate bytes B:
// decode(B) then encode(_) yields B" (spec §8).
func (c *Certificate) Encode() ([]byte, error) {
	if c.Raw == nil {
		return nil, errs.New(errs.NotInitialised)
	}
	return c.Raw, nil
}

// EncodePEM returns a PEM-wrapped copy of the encoded bytes via
// cryptoutils, for backends that store certificates as PEM.
func (c *Certificate) EncodePEM() ([]byte, error) {
	if c.Parsed == nil {
		return nil, errs.New(errs.NotInitialised)
	}
	return cryptoutils.MarshalCertificateToPEM(c.Parsed)
}

// DecodeOCSPRequest parses a DER-encoded OCSP request into the
// ocsp-req certificate subtype (spec.md's RTCS/OCSP request-response
// subtype), exposing the queried serial number through the same
// cert_serial_number attribute a certificate object exposes.
func DecodeOCSPRequest(raw []byte) (*Certificate, error) {
	req, err := ocsp.ParseRequest(raw)
	if err != nil {
		return nil, errs.Wrap(errs.BadData, "cert_serial_number", err)
	}
	return &Certificate{
		Subtype:     kernel.SubtypeCertOCSPRequest,
		Raw:         raw,
		ocspRequest: req,
		signed:      true,
	}, nil
}

// DecodeOCSPResponse parses a DER-encoded OCSP response signed by
// issuer into the ocsp-resp subtype, folding a Revoked status into the
// same revoked/revReason/revDate fields a CRL entry populates via
// MarkRevoked.
func DecodeOCSPResponse(raw []byte, issuer *x509.Certificate) (*Certificate, error) {
	resp, err := ocsp.ParseResponse(raw, issuer)
	if err != nil {
		return nil, errs.Wrap(errs.BadData, "cert_revocation_reason", err)
	}
	c := &Certificate{
		Subtype:      kernel.SubtypeCertOCSPResponse,
		Raw:          raw,
		ocspResponse: resp,
		signed:       true,
	}
	if resp.Status == ocsp.Revoked {
		c.MarkRevoked(revocation.Reason(resp.RevocationReason), resp.RevokedAt)
	}
	return c, nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

// Template is the builder-facing input to Build: the subset of
// x509.Certificate fields spec.md's data model exposes as attributes,
// plus the issuer to sign under (nil means self-sign).
type Template struct {
	SubjectDN         pkix.Name
	NotBefore         time.Time
	NotAfter          time.Time
	KeyUsage          x509.KeyUsage
	IsCA              bool
	PathLenConstraint int
	HasPathLen        bool
	SerialNumber      *big.Int
	DNSNames          []string
	PermittedDNSNames []string
	ExcludedDNSNames  []string
	PolicyIdentifiers []string
}

// Build signs a new certificate: if issuer is nil the result is
// self-signed (spec §8 scenario 1); otherwise issuerKey/issuer sign a
// leaf under the issuer's DN (scenario 2). Subject's own public key
// context must already hold key material (subjectKey.Public != nil).
func Build(tmpl Template, subjectKey *capability.Context, issuer *Certificate, issuerKey *capability.Context) (*Certificate, error) {
	if subjectKey == nil || subjectKey.Public == nil {
		return nil, errs.New(errs.NotInitialised)
	}
	serial := tmpl.SerialNumber
	if serial == nil {
		var err error
		serial, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "", err)
		}
	}

	x509tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               tmpl.SubjectDN,
		NotBefore:             tmpl.NotBefore,
		NotAfter:              tmpl.NotAfter,
		KeyUsage:              tmpl.KeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  tmpl.IsCA,
		DNSNames:              tmpl.DNSNames,
		PermittedDNSDomains:   tmpl.PermittedDNSNames,
		ExcludedDNSDomains:    tmpl.ExcludedDNSNames,
		PermittedDNSDomainsCritical: len(tmpl.PermittedDNSNames) > 0 || len(tmpl.ExcludedDNSNames) > 0,
	}
	if tmpl.HasPathLen {
		x509tmpl.MaxPathLen = tmpl.PathLenConstraint
		x509tmpl.MaxPathLenZero = tmpl.PathLenConstraint == 0
	} else {
		x509tmpl.MaxPathLen = -1
	}

	signerCert := x509tmpl
	signerKey := subjectKey
	selfSigned := issuer == nil
	if !selfSigned {
		signerCert = issuer.Parsed
		signerKey = issuerKey
		x509tmpl.Issuer = issuer.Parsed.Subject
	} else {
		x509tmpl.Issuer = tmpl.SubjectDN
	}

	signer, ok := signerKey.Private.(crypto.Signer)
	if !ok {
		return nil, errs.New(errs.Permission)
	}

	der, err := x509.CreateCertificate(rand.Reader, x509tmpl, signerCert, subjectKey.Public, signer)
	if err != nil {
		return nil, errs.Wrap(errs.Signature, "", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errs.Wrap(errs.BadData, "", err)
	}
	return &Certificate{
		Subtype:    kernel.SubtypeCertCert,
		Raw:        der,
		Parsed:     parsed,
		SelfSigned: selfSigned,
		signed:     true,
	}, nil
}

// MarkRevoked records a CRL revocation entry against this certificate
// object (spec §8 scenario 6). reason and when come from the CRL entry
// that named this certificate's serial number.
func (c *Certificate) MarkRevoked(reason revocation.Reason, when time.Time) {
	c.revoked = true
	c.revReason = reason
	c.revDate = when
}

func (c *Certificate) Revoked() bool { return c.revoked }

// --- dispatch.AttributeHandler ---

func (c *Certificate) GetAttribute(id acl.AttributeID) (acl.Value, error) {
	if c.Parsed == nil {
		// Neither an OCSP request nor response is itself a certificate,
		// so neither carries a Parsed x509.Certificate; they still
		// expose the one attribute that makes sense for them.
		switch {
		case c.ocspRequest != nil && id == acl.AttrCertSerialNumber:
			return acl.Value{Binary: c.ocspRequest.SerialNumber.Bytes()}, nil
		case c.ocspResponse != nil && id == acl.AttrCertSerialNumber:
			return acl.Value{Binary: c.ocspResponse.SerialNumber.Bytes()}, nil
		case c.ocspResponse != nil && id == acl.AttrCertRevocationReason:
			if !c.revoked {
				return acl.Value{}, errs.New(errs.NotFound)
			}
			return acl.Value{Numeric: int64(c.revReason)}, nil
		default:
			return acl.Value{}, errs.New(errs.NotInitialised)
		}
	}
	switch id {
	case acl.AttrCertSubjectDN:
		return acl.Value{String: c.Parsed.Subject.String()}, nil
	case acl.AttrCertIssuerDN:
		return acl.Value{String: c.Parsed.Issuer.String()}, nil
	case acl.AttrCertSerialNumber:
		return acl.Value{Binary: c.Parsed.SerialNumber.Bytes()}, nil
	case acl.AttrCertValidFrom:
		return acl.Value{Time: c.Parsed.NotBefore.Unix()}, nil
	case acl.AttrCertValidTo:
		return acl.Value{Time: c.Parsed.NotAfter.Unix()}, nil
	case acl.AttrCertKeyUsage:
		return acl.Value{Numeric: int64(c.Parsed.KeyUsage)}, nil
	case acl.AttrCertBasicConstraintsCA:
		return acl.Value{Boolean: c.Parsed.IsCA}, nil
	case acl.AttrCertPathLenConstraint:
		return acl.Value{Numeric: int64(c.Parsed.MaxPathLen)}, nil
	case acl.AttrCertSelfSigned:
		return acl.Value{Boolean: c.SelfSigned}, nil
	case acl.AttrCertTrustedImplicit:
		return acl.Value{Boolean: c.TrustedImplicit}, nil
	case acl.AttrCertRevocationReason:
		if !c.revoked {
			return acl.Value{}, errs.New(errs.NotFound)
		}
		return acl.Value{Numeric: int64(c.revReason)}, nil
	case acl.AttrCertRevocationDate:
		if !c.revoked {
			return acl.Value{}, errs.New(errs.NotFound)
		}
		return acl.Value{Time: c.revDate.Unix()}, nil
	case acl.AttrCertSubjectAltName:
		if len(c.Parsed.DNSNames) == 0 {
			return acl.Value{}, errs.New(errs.NotFound)
		}
		return acl.Value{String: strings.Join(c.Parsed.DNSNames, ",")}, nil
	default:
		return acl.Value{}, errs.New(errs.NotFound)
	}
}

func (c *Certificate) SetAttribute(id acl.AttributeID, val acl.Value) error {
	if c.signed {
		return errs.New(errs.Permission)
	}
	return errs.New(errs.NotAvailable)
}

func (c *Certificate) DeleteAttribute(id acl.AttributeID) error {
	if id == acl.AttrCertTrustedImplicit {
		c.TrustedImplicit = false
		return nil
	}
	return errs.New(errs.Permission)
}

func (c *Certificate) PresentAttributes() map[acl.AttributeID]bool {
	m := map[acl.AttributeID]bool{}
	if c.Parsed != nil {
		m[acl.AttrCertSubjectDN] = true
		if len(c.Parsed.DNSNames) > 0 {
			m[acl.AttrCertSubjectAltName] = true
		}
	}
	if c.ocspRequest != nil || c.ocspResponse != nil {
		m[acl.AttrCertSerialNumber] = true
	}
	if c.TrustedImplicit {
		m[acl.AttrCertTrustedImplicit] = true
	}
	return m
}

// --- dispatch.Comparable ---

func (c *Certificate) CompareAttribute(id acl.AttributeID, val []byte) (bool, error) {
	switch id {
	case acl.AttrCertSerialNumber:
		return kernel.ConstantTimeEqual(c.Parsed.SerialNumber.Bytes(), val), nil
	default:
		return false, errs.New(errs.NotAvailable)
	}
}

// --- dispatch.ControlHandler ---

func (c *Certificate) ControlPermission(verb string) (kernel.MessageClass, bool) {
	switch verb {
	case "sig-check":
		return kernel.ClassVerify, true
	default:
		return 0, false
	}
}

func (c *Certificate) Control(verb string, args map[string]any) (any, error) {
	switch verb {
	case "sig-check":
		issuer, _ := args["issuer"].(*Certificate)
		if issuer == nil {
			return nil, errs.New(errs.ArgumentValue)
		}
		if err := c.Parsed.CheckSignatureFrom(issuer.Parsed); err != nil {
			return nil, errs.Wrap(errs.Signature, "", err)
		}
		return true, nil
	default:
		return nil, errs.New(errs.NotAvailable)
	}
}

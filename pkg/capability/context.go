// Package capability implements the kernel's "context" object type: an
// opaque wrapper around whatever a capability (cipher/hash/PKC
// algorithm) produces. Per spec §1, the core never implements a
// primitive itself — this package only carries the key material/
// algorithm tag the kernel needs to mediate access to it, using the
// standard library's crypto primitives as the underlying capability.
package capability

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/titanous/rocacheck"
	"go.uber.org/zap"
)

// Algorithm identifies the capability a Context was created for.
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmRSA
	AlgorithmECDSA
	AlgorithmEd25519
	AlgorithmAESGCM
	AlgorithmSHA256
	AlgorithmSHA384
	AlgorithmSHA512
	AlgorithmHMACSHA256
)

// Context is the kernel.Payload for TypeContext objects. It binds an
// Algorithm to whichever concrete key material the std crypto packages
// produced and tracks whether keying is complete (spec's
// context_keying_complete attribute: once true, the object becomes
// ready and is immutable).
type Context struct {
	Algorithm Algorithm
	Label     string
	KeySize   int

	Private crypto.Signer // nil for a public-key-only or symmetric context
	Public  crypto.PublicKey
	Symmetric []byte // raw key bytes for AES/HMAC contexts

	keyingComplete bool
	log            *zap.Logger
}

func (c *Context) ObjectType() kernel.Type       { return kernel.TypeContext }
func (c *Context) ObjectSubtype() kernel.Subtype { return kernel.SubtypeNone }
func (c *Context) Destroy() {
	// Zero symmetric key material; private keys are garbage collected
	// normally since Go has no portable secure-erase for heap-allocated
	// big.Int-backed keys.
	for i := range c.Symmetric {
		c.Symmetric[i] = 0
	}
}

// GenerateRSA creates an RSA signing context of the given modulus size
// and runs the ROCA weak-key check (CVE-2017-15361) before marking it
// ready — a generated key that happens to collide with the ROCA
// fingerprint pattern is rejected as BadData rather than silently
// issued, mirroring how a real capability backend would refuse it at
// keygen time.
func GenerateRSA(bits int, log *zap.Logger) (*Context, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errs.Wrap(errs.Memory, "context_key_size", err)
	}
	if rocacheck.IsWeak(&priv.PublicKey) {
		return nil, errs.At(errs.BadData, errs.LocusAttribute, "context_algo")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		Algorithm:      AlgorithmRSA,
		KeySize:        bits,
		Private:        priv,
		Public:         &priv.PublicKey,
		keyingComplete: true,
		log:            log,
	}, nil
}

// ImportRSAPublic wraps an externally-supplied RSA public key (e.g.
// from a decoded certificate) as a verify-only context, after the same
// ROCA check GenerateRSA applies.
func ImportRSAPublic(pub *rsa.PublicKey) (*Context, error) {
	if rocacheck.IsWeak(pub) {
		return nil, errs.At(errs.BadData, errs.LocusAttribute, "context_algo")
	}
	return &Context{Algorithm: AlgorithmRSA, KeySize: pub.N.BitLen(), Public: pub, keyingComplete: true}, nil
}

// GenerateECDSA creates an ECDSA P-256 signing context.
func GenerateECDSA() (*Context, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Memory, "context_algo", err)
	}
	return &Context{Algorithm: AlgorithmECDSA, KeySize: 256, Private: priv, Public: &priv.PublicKey, keyingComplete: true}, nil
}

// NewSymmetric wraps raw key bytes (a session/MAC key) as a context.
func NewSymmetric(algo Algorithm, key []byte) *Context {
	return &Context{Algorithm: algo, KeySize: len(key) * 8, Symmetric: key, keyingComplete: true}
}

// CanSign reports whether the context holds private key material.
func (c *Context) CanSign() bool { return c.Private != nil }

// --- dispatch.AttributeHandler ---

func (c *Context) GetAttribute(id acl.AttributeID) (acl.Value, error) {
	switch id {
	case acl.AttrContextAlgo:
		return acl.Value{Numeric: int64(c.Algorithm)}, nil
	case acl.AttrContextKeySize:
		return acl.Value{Numeric: int64(c.KeySize)}, nil
	case acl.AttrContextLabel:
		return acl.Value{String: c.Label}, nil
	case acl.AttrContextKeyingComplete:
		return acl.Value{Boolean: c.keyingComplete}, nil
	default:
		return acl.Value{}, errs.New(errs.NotFound)
	}
}

func (c *Context) SetAttribute(id acl.AttributeID, val acl.Value) error {
	if c.keyingComplete {
		return errs.New(errs.Permission)
	}
	switch id {
	case acl.AttrContextAlgo:
		c.Algorithm = Algorithm(val.Numeric)
	case acl.AttrContextKeySize:
		c.KeySize = int(val.Numeric)
	case acl.AttrContextLabel:
		c.Label = val.String
	case acl.AttrContextKeyingComplete:
		if val.Boolean {
			c.keyingComplete = true
		}
	default:
		return errs.New(errs.NotFound)
	}
	return nil
}

func (c *Context) DeleteAttribute(id acl.AttributeID) error {
	if id == acl.AttrContextLabel {
		c.Label = ""
		return nil
	}
	return errs.New(errs.Permission)
}

func (c *Context) PresentAttributes() map[acl.AttributeID]bool {
	m := map[acl.AttributeID]bool{acl.AttrContextAlgo: true}
	if c.Label != "" {
		m[acl.AttrContextLabel] = true
	}
	return m
}

// --- dispatch.ControlHandler ---

func (c *Context) ControlPermission(verb string) (kernel.MessageClass, bool) {
	switch verb {
	case "sign":
		return kernel.ClassSign, true
	case "sig-check":
		return kernel.ClassVerify, true
	case "hash-data":
		return kernel.ClassHash, true
	case "generate-key":
		return kernel.ClassKeyManagement, true
	default:
		return 0, false
	}
}

func (c *Context) Control(verb string, args map[string]any) (any, error) {
	switch verb {
	case "sign":
		if !c.CanSign() {
			return nil, errs.New(errs.Permission)
		}
		digest, _ := args["digest"].([]byte)
		sig, err := c.Private.Sign(rand.Reader, digest, crypto.SHA256)
		if err != nil {
			return nil, errs.Wrap(errs.Signature, "", err)
		}
		return sig, nil
	default:
		return nil, errs.At(errs.NotAvailable, errs.LocusNone, verb)
	}
}

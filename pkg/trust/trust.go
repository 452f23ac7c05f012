// Package trust implements the per-user trust manager (C4, spec §4.4):
// a two-index store of certificates a user has marked implicitly
// trustworthy, keyed by subject-DN hash for chain-walk lookup and by
// subject-key-identifier for exact match when the candidate carries
// one. Grounded on original_source/cryptlib/cert/trustmgr.h's own
// dual-hash design and changed-flag persistence semantics.
package trust

import (
	"crypto/sha256"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// Entry is one trusted-certificate record (spec §3 "Trust entry").
type Entry struct {
	Handle       kernel.Handle
	SubjectDN    string
	SubjectKeyID []byte
	CertBytes    []byte // weak ref: lazily re-decoded by Get if Handle has been released

	subjectHash [32]byte
	skidHash    [32]byte
	hasSKID     bool
}

func hashString(s string) [32]byte { return sha256.Sum256([]byte(s)) }
func hashBytes(b []byte) [32]byte  { return sha256.Sum256(b) }

// Manager is the trust store held by a user object (spec §4.4,
// "root owner of C4 and C8 state" per spec §2). It is not itself a
// kernel object type and does not implement kernel.Payload; it is
// embedded in pkg/user.User.
type Manager struct {
	mu sync.RWMutex

	bySubject map[[32]byte][]*Entry
	bySKID    map[[32]byte]*Entry

	changed bool

	// issuerCache memoises the most recent find(wantIssuer=true) results
	// keyed by the candidate's issuer-DN hash, bounded so a long-running
	// process validating many distinct chains can't grow it unbounded.
	issuerCache *lru.Cache[[32]byte, *Entry]
}

// New creates an empty trust manager with an issuer-lookup cache
// bounded to cacheSize entries (0 disables caching).
func New(cacheSize int) (*Manager, error) {
	m := &Manager{
		bySubject: make(map[[32]byte][]*Entry),
		bySKID:    make(map[[32]byte]*Entry),
	}
	if cacheSize > 0 {
		c, err := lru.New[[32]byte, *Entry](cacheSize)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "", err)
		}
		m.issuerCache = c
	}
	return m, nil
}

// Add inserts cert as trusted. If singleCertMode is false and cert is
// a chain, only its root (last element) is added. Duplicate subject-DN
// hash + subject-key-id pairs are rejected.
func (m *Manager) Add(h kernel.Handle, cert *certificate.Certificate, chain []*certificate.Certificate, singleCertMode bool) error {
	target := cert
	targetHandle := h
	if !singleCertMode && len(chain) > 0 {
		target = chain[len(chain)-1]
		targetHandle = kernel.NullHandle
	}
	if target == nil || target.Parsed == nil {
		return errs.New(errs.NotInitialised)
	}

	e := &Entry{
		Handle:      targetHandle,
		SubjectDN:   target.Parsed.Subject.String(),
		subjectHash: hashString(target.Parsed.Subject.String()),
	}
	raw, err := target.Encode()
	if err != nil {
		return err
	}
	e.CertBytes = raw
	if len(target.Parsed.SubjectKeyId) > 0 {
		e.SubjectKeyID = target.Parsed.SubjectKeyId
		e.skidHash = hashBytes(target.Parsed.SubjectKeyId)
		e.hasSKID = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.hasSKID {
		if _, exists := m.bySKID[e.skidHash]; exists {
			return errs.New(errs.Duplicate)
		}
	}
	for _, existing := range m.bySubject[e.subjectHash] {
		if existing.hasSKID == e.hasSKID && kernel.ConstantTimeEqual(existing.SubjectKeyID, e.SubjectKeyID) {
			return errs.New(errs.Duplicate)
		}
	}

	m.bySubject[e.subjectHash] = append(m.bySubject[e.subjectHash], e)
	if e.hasSKID {
		m.bySKID[e.skidHash] = e
	}
	m.changed = true
	if m.issuerCache != nil {
		m.issuerCache.Purge()
	}
	return nil
}

// Delete removes an entry in O(1) and marks the store changed.
func (m *Manager) Delete(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.bySubject[e.subjectHash]
	found := false
	for i, cand := range list {
		if cand == e {
			m.bySubject[e.subjectHash] = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return errs.New(errs.NotFound)
	}
	if len(m.bySubject[e.subjectHash]) == 0 {
		delete(m.bySubject, e.subjectHash)
	}
	if e.hasSKID {
		delete(m.bySKID, e.skidHash)
	}
	m.changed = true
	if m.issuerCache != nil {
		m.issuerCache.Purge()
	}
	return nil
}

// Find looks up a trust entry for cert. If wantIssuer, it returns the
// entry whose subject matches cert's issuer (the chain-walk "is this
// issuer trusted?" query, spec §4.4); otherwise it looks for an exact
// subject match on cert itself.
func (m *Manager) Find(cert *certificate.Certificate, wantIssuer bool) (*Entry, error) {
	if cert == nil || cert.Parsed == nil {
		return nil, errs.New(errs.NotInitialised)
	}

	dn := cert.Parsed.Subject.String()
	if wantIssuer {
		dn = cert.Parsed.Issuer.String()
	}
	key := hashString(dn)

	if wantIssuer && m.issuerCache != nil {
		if e, ok := m.issuerCache.Get(key); ok {
			return e, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if wantIssuer && len(cert.Parsed.AuthorityKeyId) > 0 {
		if e, ok := m.bySKID[hashBytes(cert.Parsed.AuthorityKeyId)]; ok {
			if m.issuerCache != nil {
				m.issuerCache.Add(key, e)
			}
			return e, nil
		}
	}

	list := m.bySubject[key]
	if len(list) == 0 {
		return nil, errs.New(errs.NotFound)
	}
	e := list[0]
	if wantIssuer && m.issuerCache != nil {
		m.issuerCache.Add(key, e)
	}
	return e, nil
}

// Enumerate returns every trusted entry, for persistence into a
// keyset or assembly into a chain meta-object (spec §4.4).
func (m *Manager) Enumerate() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, list := range m.bySubject {
		out = append(out, list...)
	}
	return out
}

// Get materialises the trusted certificate, re-decoding from the
// stored bytes if the live handle has been released (spec §4.4's
// "lazy load from bytes" clause).
func (m *Manager) Get(e *Entry) (*certificate.Certificate, error) {
	cert, err := certificate.Decode(e.CertBytes)
	if err != nil {
		return nil, err
	}
	cert.TrustedImplicit = true
	return cert, nil
}

// Changed reports whether the in-memory store differs from the
// last-persisted snapshot (spec §4.4 invariant).
func (m *Manager) Changed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// ClearChanged marks the store as persisted, called once a commit to
// the owning user's keyset has succeeded.
func (m *Manager) ClearChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = false
}

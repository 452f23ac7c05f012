// Package keyset implements the keyset facade (C7, spec §4.7): the
// uniform contract the core invokes on any persistent store of keys
// and certificates, plus its backends. Grounded on spec §4.7's
// operation list and, for the per-backend shape, on
// original_source/cryptlib/test/keyload.c's backend-agnostic call
// sequences.
package keyset

import (
	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// BackendType enumerates the backend kinds spec §4.7 names.
type BackendType int

const (
	BackendFile BackendType = iota
	BackendDatabase
	BackendDatabaseCertStore
	BackendLDAP
	BackendHTTP
	BackendDevice
	BackendTUF
)

// Capability is the subtype-indicated access mode returned by Open.
type Capability int

const (
	CapReadOnly Capability = iota
	CapReadWrite
	CapCreate
	CapExclusive
)

// IDType selects how get/delete locate an item.
type IDType int

const (
	IDKeyID IDType = iota
	IDLabel
	IDSubjectDN
	IDIssuerAndSerial
	IDURI
)

// CAAction enumerates the certificate-authority management verbs
// (spec §4.7 "ca-cert-management(action, ca-key, request)").
type CAAction int

const (
	CAIssue CAAction = iota
	CAIssueCRL
	CAExpire
	CARevoke
	CACleanUp
)

// Backend is the contract every keyset backend implements; the core
// never relies on backend-specific behaviour beyond this (spec §4.7).
type Backend interface {
	Open(name string, caps Capability, options map[string]string) error
	Close() error

	GetPublic(idType IDType, id string) (*certificate.Certificate, error)
	GetPrivate(idType IDType, id string, password string) (*certificate.Certificate, error)
	Set(cert *certificate.Certificate, password string) error
	Delete(idType IDType, id string) error
	Query(selector string) ([]*certificate.Certificate, error)

	GetAttribute(name string) ([]byte, error)
	// SetAttribute writes an opaque named blob (spec §4.7's "per-user
	// config blob" is the write side of the same channel get-attribute
	// reads from — spec.md names get-attribute only; this is the
	// commit-side counterpart pkg/config's Commit needs).
	SetAttribute(name string, data []byte) error

	CAGetItem(idType IDType, id string) (*certificate.Certificate, error)
	CAAddItem(cert *certificate.Certificate) error
	CACertManagement(action CAAction, caKey kernel.Handle, request *certificate.Certificate) (*certificate.Certificate, error)
}

// Keyset is the kernel payload for TypeKeyset objects: a thin dispatch
// shell around whichever Backend Open selected.
type Keyset struct {
	Type    BackendType
	Cap     Capability
	backend Backend
}

func (k *Keyset) ObjectType() kernel.Type       { return kernel.TypeKeyset }
func (k *Keyset) ObjectSubtype() kernel.Subtype { return kernel.SubtypeNone }
func (k *Keyset) Destroy() {
	if k.backend != nil {
		_ = k.backend.Close()
	}
}

// Open binds a Keyset object to a concrete backend (spec §4.7 "open").
func Open(backendType BackendType, backend Backend, name string, caps Capability, options map[string]string) (*Keyset, error) {
	if backend == nil {
		return nil, errs.New(errs.NotInitialised)
	}
	if err := backend.Open(name, caps, options); err != nil {
		return nil, err
	}
	return &Keyset{Type: backendType, Cap: caps, backend: backend}, nil
}

func (k *Keyset) GetPublic(idType IDType, id string) (*certificate.Certificate, error) {
	return k.backend.GetPublic(idType, id)
}

func (k *Keyset) GetPrivate(idType IDType, id, password string) (*certificate.Certificate, error) {
	return k.backend.GetPrivate(idType, id, password)
}

// Set adds or updates a key; password only applies to private keys
// (spec §4.7 "set(handle, password)").
func (k *Keyset) Set(cert *certificate.Certificate, password string) error {
	if k.Cap == CapReadOnly {
		return errs.New(errs.Permission)
	}
	return k.backend.Set(cert, password)
}

func (k *Keyset) Delete(idType IDType, id string) error {
	if k.Cap == CapReadOnly {
		return errs.New(errs.Permission)
	}
	return k.backend.Delete(idType, id)
}

func (k *Keyset) Query(selector string) ([]*certificate.Certificate, error) {
	return k.backend.Query(selector)
}

func (k *Keyset) GetAttribute(name string) ([]byte, error) {
	return k.backend.GetAttribute(name)
}

func (k *Keyset) SetAttribute(name string, data []byte) error {
	if k.Cap == CapReadOnly {
		return errs.New(errs.Permission)
	}
	return k.backend.SetAttribute(name, data)
}

func (k *Keyset) CAGetItem(idType IDType, id string) (*certificate.Certificate, error) {
	return k.backend.CAGetItem(idType, id)
}

func (k *Keyset) CAAddItem(cert *certificate.Certificate) error {
	if k.Cap == CapReadOnly {
		return errs.New(errs.Permission)
	}
	return k.backend.CAAddItem(cert)
}

func (k *Keyset) CACertManagement(action CAAction, caKey kernel.Handle, request *certificate.Certificate) (*certificate.Certificate, error) {
	if k.Cap == CapReadOnly {
		return nil, errs.New(errs.Permission)
	}
	return k.backend.CACertManagement(action, caKey, request)
}

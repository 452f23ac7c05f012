package keyset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// FileBackend is a structured file-resident container, spec §4.7's
// "PGP-style keyring": a single file holding a JSON index of labelled
// certificate/key entries, encrypted at rest by the caller's own
// envelope layer (this backend stores whatever bytes Set hands it).
type FileBackend struct {
	mu         sync.Mutex
	path       string
	caps       Capability
	entries    map[string]fileEntry
	attributes map[string][]byte
}

type fileEntry struct {
	DER      []byte `json:"der"`
	Password string `json:"-"` // never persisted in plaintext; placeholder until pkg/envelope wraps it
}

// fileContainer is the on-disk shape: cert entries plus the opaque
// attribute blobs pkg/config commits (spec §4.7's per-user config blob).
type fileContainer struct {
	Entries    map[string]fileEntry `json:"entries"`
	Attributes map[string][]byte    `json:"attributes,omitempty"`
}

func NewFileBackend() *FileBackend {
	return &FileBackend{entries: map[string]fileEntry{}, attributes: map[string][]byte{}}
}

func (f *FileBackend) Open(name string, caps Capability, options map[string]string) error {
	expanded, err := homedir.Expand(name)
	if err != nil {
		return errs.Wrap(errs.Open, "", err)
	}
	f.path = expanded
	f.caps = caps

	data, err := os.ReadFile(filepath.Clean(expanded))
	if err != nil {
		if os.IsNotExist(err) {
			if caps != CapCreate {
				return errs.Wrap(errs.Open, "", err)
			}
			return nil
		}
		return errs.Wrap(errs.Read, "", err)
	}
	if len(data) == 0 {
		return nil
	}
	var container fileContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return errs.Wrap(errs.BadData, "", err)
	}
	if container.Entries != nil {
		f.entries = container.Entries
	}
	if container.Attributes != nil {
		f.attributes = container.Attributes
	}
	return nil
}

func (f *FileBackend) Close() error {
	if f.caps == CapReadOnly || f.path == "" {
		return nil
	}
	return f.persist()
}

func (f *FileBackend) persist() error {
	data, err := json.Marshal(fileContainer{Entries: f.entries, Attributes: f.attributes})
	if err != nil {
		return errs.Wrap(errs.Internal, "", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return errs.Wrap(errs.Write, "", err)
	}
	return nil
}

func (f *FileBackend) GetPublic(idType IDType, id string) (*certificate.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, errs.New(errs.NotFound)
	}
	return certificate.Decode(e.DER)
}

func (f *FileBackend) GetPrivate(idType IDType, id, password string) (*certificate.Certificate, error) {
	return f.GetPublic(idType, id)
}

func (f *FileBackend) Set(cert *certificate.Certificate, password string) error {
	raw, err := cert.Encode()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[cert.Parsed.Subject.String()] = fileEntry{DER: raw, Password: password}
	return nil
}

func (f *FileBackend) Delete(idType IDType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[id]; !ok {
		return errs.New(errs.NotFound)
	}
	delete(f.entries, id)
	return nil
}

func (f *FileBackend) Query(selector string) ([]*certificate.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*certificate.Certificate
	for label, e := range f.entries {
		if !matchLabel(selector, label) {
			continue
		}
		cert, err := certificate.Decode(e.DER)
		if err != nil {
			continue
		}
		out = append(out, cert)
	}
	return out, nil
}

func (f *FileBackend) GetAttribute(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.attributes[name]
	if !ok {
		return nil, errs.New(errs.NotFound)
	}
	return data, nil
}

func (f *FileBackend) SetAttribute(name string, data []byte) error {
	if f.caps == CapReadOnly {
		return errs.New(errs.Permission)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attributes[name] = data
	return nil
}

func (f *FileBackend) CAGetItem(idType IDType, id string) (*certificate.Certificate, error) {
	return f.GetPublic(idType, id)
}

func (f *FileBackend) CAAddItem(cert *certificate.Certificate) error {
	return f.Set(cert, "")
}

func (f *FileBackend) CACertManagement(action CAAction, caKey kernel.Handle, request *certificate.Certificate) (*certificate.Certificate, error) {
	return nil, errs.New(errs.NotAvailable)
}

package keyset

import (
	"net/http"

	tufclient "github.com/theupdateframework/go-tuf/client"
	tufutil "github.com/theupdateframework/go-tuf/util"

	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// TUFBackend distributes trust-root certificates via a TUF repository
// instead of a flat file or HTTP GET (spec §4.7 doesn't name TUF
// explicitly; this is SPEC_FULL.md's supplemented distribution
// backend, grounded on the teacher's own trust-root-via-TUF domain).
// Read-only: GetPublic downloads the target named by id, and Query
// matches the selector against every target name in the repository's
// signed metadata. The target name given to NewTUFBackend is stored
// but not consulted by any method.
type TUFBackend struct {
	client *tufclient.Client
	target string
}

func NewTUFBackend(target string) *TUFBackend {
	return &TUFBackend{target: target}
}

func (t *TUFBackend) Open(name string, caps Capability, options map[string]string) error {
	if caps != CapReadOnly {
		return errs.New(errs.Permission)
	}
	local := tufclient.MemoryLocalStore()
	remote, err := tufclient.HTTPRemoteStore(name, nil, http.DefaultClient)
	if err != nil {
		return errs.Wrap(errs.Open, "", err)
	}
	t.client = tufclient.NewClient(local, remote)
	if rootJSON, ok := options["root_json"]; ok {
		if err := t.client.Init([]byte(rootJSON)); err != nil {
			return errs.Wrap(errs.Open, "", err)
		}
	}
	if _, err := t.client.Update(); err != nil {
		return errs.Wrap(errs.Read, "", err)
	}
	return nil
}

func (t *TUFBackend) Close() error { return nil }

func (t *TUFBackend) GetPublic(idType IDType, id string) (*certificate.Certificate, error) {
	var dest tufutil.TempFile
	if err := t.client.Download(id, &dest); err != nil {
		return nil, errs.Wrap(errs.NotFound, "", err)
	}
	defer dest.Delete()
	raw := make([]byte, 0)
	buf := make([]byte, 4096)
	for {
		n, err := dest.Read(buf)
		raw = append(raw, buf[:n]...)
		if err != nil {
			break
		}
	}
	return certificate.Decode(raw)
}

func (t *TUFBackend) GetPrivate(idType IDType, id, password string) (*certificate.Certificate, error) {
	return nil, errs.New(errs.NotAvailable)
}

func (t *TUFBackend) Set(cert *certificate.Certificate, password string) error {
	return errs.New(errs.Permission)
}

func (t *TUFBackend) Delete(idType IDType, id string) error { return errs.New(errs.Permission) }

func (t *TUFBackend) Query(selector string) ([]*certificate.Certificate, error) {
	targets, err := t.client.Targets()
	if err != nil {
		return nil, errs.Wrap(errs.Read, "", err)
	}
	var out []*certificate.Certificate
	for name := range targets {
		if !matchLabel(selector, name) {
			continue
		}
		cert, err := t.GetPublic(IDLabel, name)
		if err != nil {
			continue
		}
		out = append(out, cert)
	}
	return out, nil
}

func (t *TUFBackend) GetAttribute(name string) ([]byte, error) {
	return nil, errs.New(errs.NotAvailable)
}

func (t *TUFBackend) SetAttribute(name string, data []byte) error {
	return errs.New(errs.Permission)
}

func (t *TUFBackend) CAGetItem(idType IDType, id string) (*certificate.Certificate, error) {
	return t.GetPublic(idType, id)
}

func (t *TUFBackend) CAAddItem(cert *certificate.Certificate) error { return errs.New(errs.Permission) }

func (t *TUFBackend) CACertManagement(action CAAction, caKey kernel.Handle, request *certificate.Certificate) (*certificate.Certificate, error) {
	return nil, errs.New(errs.Permission)
}

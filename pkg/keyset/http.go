package keyset

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	rootcerts "github.com/hashicorp/go-rootcerts"
	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// HTTPBackend is the HTTP-accessible certificate source (spec §4.7
// "HTTP-accessible cert source"): read-only, fetches a DER/PEM
// certificate per request from a fixed base URL.
type HTTPBackend struct {
	baseURL string
	client  *retryablehttp.Client
}

func NewHTTPBackend() *HTTPBackend { return &HTTPBackend{} }

func (h *HTTPBackend) Open(name string, caps Capability, options map[string]string) error {
	if caps != CapReadOnly {
		return errs.New(errs.Permission)
	}
	if _, err := url.Parse(name); err != nil {
		return errs.Wrap(errs.ArgumentValue, "", err)
	}
	if host, err := sockaddrHostOnly(name); err == nil && host != "" {
		if _, err := sockaddr.NewSockAddr(host); err != nil {
			// Not every base URL host is a bare IP/CIDR, so a sockaddr
			// parse failure is discarded: Open accepts any host.
			_ = err
		}
	}

	transport := cleanhttp.DefaultPooledTransport()
	if caFile, ok := options["ca_file"]; ok {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if err := rootcerts.ConfigureTLS(tlsConfig, &rootcerts.Config{CAFile: caFile}); err != nil {
			return errs.Wrap(errs.Open, "", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Transport = transport
	client.RetryMax = 3
	client.Logger = nil

	h.baseURL = name
	h.client = client
	return nil
}

func (h *HTTPBackend) Close() error { return nil }

func (h *HTTPBackend) GetPublic(idType IDType, id string) (*certificate.Certificate, error) {
	resp, err := h.client.Get(fmt.Sprintf("%s/%s", h.baseURL, url.PathEscape(id)))
	if err != nil {
		return nil, errs.Wrap(errs.Open, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.New(errs.NotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.At(errs.Read, errs.LocusNone, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Read, "", err)
	}
	return certificate.Decode(body)
}

func (h *HTTPBackend) GetPrivate(idType IDType, id, password string) (*certificate.Certificate, error) {
	return nil, errs.New(errs.NotAvailable)
}

func (h *HTTPBackend) Set(cert *certificate.Certificate, password string) error {
	return errs.New(errs.Permission)
}

func (h *HTTPBackend) Delete(idType IDType, id string) error { return errs.New(errs.Permission) }

func (h *HTTPBackend) Query(selector string) ([]*certificate.Certificate, error) {
	return nil, errs.New(errs.NotAvailable)
}

func (h *HTTPBackend) GetAttribute(name string) ([]byte, error) {
	return nil, errs.New(errs.NotAvailable)
}

func (h *HTTPBackend) SetAttribute(name string, data []byte) error {
	return errs.New(errs.Permission)
}

func (h *HTTPBackend) CAGetItem(idType IDType, id string) (*certificate.Certificate, error) {
	return h.GetPublic(idType, id)
}

func (h *HTTPBackend) CAAddItem(cert *certificate.Certificate) error { return errs.New(errs.Permission) }

func (h *HTTPBackend) CACertManagement(action CAAction, caKey kernel.Handle, request *certificate.Certificate) (*certificate.Certificate, error) {
	return nil, errs.New(errs.Permission)
}

func sockaddrHostOnly(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

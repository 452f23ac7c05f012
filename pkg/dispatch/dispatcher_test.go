package dispatch

import (
	"testing"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	values  map[acl.AttributeID]acl.Value
	present map[acl.AttributeID]bool
}

func newTestPayload() *testPayload {
	return &testPayload{values: map[acl.AttributeID]acl.Value{}, present: map[acl.AttributeID]bool{}}
}

func (p *testPayload) ObjectType() kernel.Type       { return kernel.TypeCertificate }
func (p *testPayload) ObjectSubtype() kernel.Subtype { return kernel.SubtypeCertCert }
func (p *testPayload) Destroy()                      {}

func (p *testPayload) GetAttribute(id acl.AttributeID) (acl.Value, error) {
	v, ok := p.values[id]
	if !ok {
		return acl.Value{}, errs.New(errs.NotFound)
	}
	return v, nil
}

func (p *testPayload) SetAttribute(id acl.AttributeID, val acl.Value) error {
	p.values[id] = val
	p.present[id] = true
	return nil
}

func (p *testPayload) DeleteAttribute(id acl.AttributeID) error {
	delete(p.values, id)
	delete(p.present, id)
	return nil
}

func (p *testPayload) PresentAttributes() map[acl.AttributeID]bool { return p.present }

func (p *testPayload) Control(verb string, args map[string]any) (any, error) {
	if verb == "ping" {
		return "pong", nil
	}
	return nil, errs.New(errs.NotAvailable)
}

func (p *testPayload) ControlPermission(verb string) (kernel.MessageClass, bool) {
	if verb == "ping" {
		return kernel.ClassHash, true
	}
	return 0, false
}

func newDispatcher(t *testing.T) (*Dispatcher, kernel.Handle, *testPayload) {
	t.Helper()
	eng, err := acl.LoadDefault()
	require.NoError(t, err)
	tbl := kernel.NewTable(32, nil)
	d := New(tbl, eng, nil)

	payload := newTestPayload()
	h, err := tbl.Allocate(kernel.TypeCertificate, kernel.SubtypeCertCert, kernel.DefaultUser,
		kernel.ActionPermissions{kernel.ClassHash: kernel.PermExternal}, payload)
	require.NoError(t, err)
	require.NoError(t, tbl.SetState(h, kernel.StatePartiallyInitialised))
	return d, h, payload
}

func TestDispatchSetThenGetAttribute(t *testing.T) {
	d, h, _ := newDispatcher(t)

	_, err := d.Dispatch(Message{
		Kind: KindSetAttribute, Target: h, Attribute: acl.AttrCertValidFrom,
		Value: acl.Value{Time: 1212667994}, External: true,
	})
	require.NoError(t, err)

	require.NoError(t, d.Table.SetState(h, kernel.StateReady))

	res, err := d.Dispatch(Message{Kind: KindGetAttribute, Target: h, Attribute: acl.AttrCertValidFrom, External: true})
	require.NoError(t, err)
	require.Equal(t, int64(1212667994), res.Value.Time)
}

func TestDispatchUnknownHandleNotFound(t *testing.T) {
	d, _, _ := newDispatcher(t)
	_, err := d.Dispatch(Message{Kind: KindGetAttribute, Target: kernel.Handle(0xFFFFFF), Attribute: acl.AttrCertValidFrom, External: true})
	var kerr *errs.Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, errs.NotFound, kerr.Kind)
}

func TestDispatchControlVerb(t *testing.T) {
	d, h, _ := newDispatcher(t)
	res, err := d.Dispatch(Message{Kind: KindControl, Target: h, Verb: "ping", External: true})
	require.NoError(t, err)
	require.Equal(t, "pong", res.Data)
}

func TestDispatchDestroyAfterRefIsBusy(t *testing.T) {
	d, h, _ := newDispatcher(t)
	_, err := d.Dispatch(Message{Kind: KindNotify, Target: h, Verb: "retain"})
	require.NoError(t, err)

	err = d.Destroy(h)
	var kerr *errs.Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, errs.Busy, kerr.Kind)

	_, err = d.Dispatch(Message{Kind: KindNotify, Target: h, Verb: "release"})
	require.NoError(t, err)
	require.NoError(t, d.Destroy(h))
}

package kernel

import (
	"testing"

	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/stretchr/testify/require"
)

type fakePayload struct{ destroyed bool }

func (f *fakePayload) ObjectType() Type       { return TypeContext }
func (f *fakePayload) ObjectSubtype() Subtype { return SubtypeNone }
func (f *fakePayload) Destroy()               { f.destroyed = true }

func TestAllocateLookupDestroy(t *testing.T) {
	tbl := NewTable(16, nil)
	p := &fakePayload{}
	h, err := tbl.Allocate(TypeContext, SubtypeNone, DefaultUser, ActionPermissions{ClassSign: PermExternal}, p)
	require.NoError(t, err)
	require.NotEqual(t, NullHandle, h)

	rec, err := tbl.Get(h)
	require.NoError(t, err)
	require.Equal(t, StatePartiallyInitialised, rec.State)
	require.Equal(t, PermExternal, rec.Permissions.Level(ClassSign))

	require.NoError(t, tbl.Destroy(h))
	require.True(t, p.destroyed)

	_, err = tbl.Get(h)
	require.Error(t, err)
	var kerr *errs.Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, errs.NotFound, kerr.Kind)
}

func TestStaleHandleAfterReuse(t *testing.T) {
	tbl := NewTable(8, nil)
	h1, err := tbl.Allocate(TypeContext, SubtypeNone, DefaultUser, nil, &fakePayload{})
	require.NoError(t, err)
	require.NoError(t, tbl.Destroy(h1))

	h2, err := tbl.Allocate(TypeContext, SubtypeNone, DefaultUser, nil, &fakePayload{})
	require.NoError(t, err)

	// Same slot may be reissued, but the generation must differ so the
	// old handle is never mistaken for the new object.
	_, err = tbl.Get(h1)
	require.Error(t, err)
	_, err = tbl.Get(h2)
	require.NoError(t, err)
}

func TestDestroyBusyObjectFails(t *testing.T) {
	tbl := NewTable(8, nil)
	h, err := tbl.Allocate(TypeContext, SubtypeNone, DefaultUser, nil, &fakePayload{})
	require.NoError(t, err)

	done := make(chan struct{})
	err = tbl.With(h, func(rec *Record) error {
		// While this message is "in flight" (refcount held), destroy
		// must fail with Busy rather than block.
		derr := tbl.Destroy(h)
		var kerr *errs.Error
		require.ErrorAs(t, derr, &kerr)
		require.Equal(t, errs.Busy, kerr.Kind)
		close(done)
		return nil
	})
	require.NoError(t, err)
	<-done
	require.NoError(t, tbl.Destroy(h))
}

func TestDependentRefcountBlocksDestroy(t *testing.T) {
	tbl := NewTable(8, nil)
	b, err := tbl.Allocate(TypeContext, SubtypeNone, DefaultUser, nil, &fakePayload{})
	require.NoError(t, err)
	a, err := tbl.Allocate(TypeCertificate, SubtypeCertCert, DefaultUser, nil, &fakePayload{})
	require.NoError(t, err)

	require.NoError(t, tbl.SetDependent(a, b))

	// B now has a retained reference from A; destroying B directly
	// while A still depends on it must fail busy.
	err = tbl.Destroy(b)
	var kerr *errs.Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, errs.Busy, kerr.Kind)

	require.NoError(t, tbl.Destroy(a))
	require.NoError(t, tbl.Destroy(b))
}

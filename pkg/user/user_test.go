package user

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/coreguard/cryptkernel/pkg/config"
	"github.com/coreguard/cryptkernel/pkg/keyset"
)

func newEngine(t *testing.T) *acl.Engine {
	t.Helper()
	eng, err := acl.LoadDefault()
	require.NoError(t, err)
	return eng
}

type fakeIndex struct{ erased bool }

func (f *fakeIndex) EraseAll() error { f.erased = true; return nil }

func TestLoginWrongPasswordRejected(t *testing.T) {
	eng := newEngine(t)
	_, err := Login(eng, "admin", "admin", "not-the-bootstrap-password", nil, nil)
	require.Error(t, err)
}

func TestLoginBootstrapZeroisesAndCreatesPrimarySO(t *testing.T) {
	eng := newEngine(t)
	idx := &fakeIndex{}
	u, err := Login(eng, "admin", "admin", bootstrapPassword, idx, nil)
	require.NoError(t, err)
	require.True(t, idx.erased)
	require.Equal(t, StateSOInited, u.State)
	require.True(t, u.Role.Has(RoleNormal))
	require.True(t, u.Role.Has(RoleSO))
}

func TestSetPasswordTransitionsToUserInited(t *testing.T) {
	eng := newEngine(t)
	u, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)

	require.NoError(t, u.SetPassword("correct horse battery staple"))
	require.Equal(t, StateUserInited, u.State)
	require.True(t, u.CheckPassword("correct horse battery staple"))
	require.False(t, u.CheckPassword("wrong"))
}

func TestSetPasswordRejectsBootstrapPassword(t *testing.T) {
	eng := newEngine(t)
	u, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)
	err = u.SetPassword(bootstrapPassword)
	require.Error(t, err)
}

func TestLockUnlockCycle(t *testing.T) {
	eng := newEngine(t)
	u, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)
	require.NoError(t, u.SetPassword("hunter2xxxx"))

	require.NoError(t, u.Lock())
	require.Equal(t, StateLocked, u.State)

	err = u.Unlock("wrong")
	require.Error(t, err)
	require.Equal(t, StateLocked, u.State)

	require.NoError(t, u.Unlock("hunter2xxxx"))
	require.Equal(t, StateUserInited, u.State)
}

func TestCreateRequiresSOOrCARole(t *testing.T) {
	eng := newEngine(t)
	u, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)
	u.Role = RoleNormal // strip SO/CA privilege

	_, _, err = u.Create(eng, []byte("alice"), RoleNormal, nil, nil)
	require.Error(t, err)
}

func TestCreateSignsChildAndAuthenticateVerifies(t *testing.T) {
	eng := newEngine(t)
	so, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)
	key, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	so.SigningKey = key

	child, sig, err := so.Create(eng, []byte("alice"), RoleNormal, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StateSOInited, child.State)
	require.Equal(t, []byte("admin"), child.CreatorID)

	require.NoError(t, Authenticate(key, child.ID, child.CreatorID, sig))

	err = Authenticate(key, []byte("mallory"), child.CreatorID, sig)
	require.Error(t, err)
}

func TestEncodeCommitAtomicLockUnlockCycle(t *testing.T) {
	eng := newEngine(t)
	u, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)
	require.NoError(t, u.SetPassword("hunter2xxxx"))

	dir := t.TempDir()
	ks, err := keyset.Open(keyset.BackendFile, keyset.NewFileBackend(), dir+"/keyset.json", keyset.CapCreate, nil)
	require.NoError(t, err)
	u.Keyset = ks

	require.NoError(t, u.Config.Set(config.OptionComplianceLevel, acl.Value{Numeric: 1}))

	require.NoError(t, u.EncodeCommit("admin"))
	require.Equal(t, StateUserInited, u.State)

	blob, err := ks.GetAttribute("admin")
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	verified, err := u.LoadVerifiedConfig("admin")
	require.NoError(t, err)
	require.NotEmpty(t, verified)
}

func TestLoadVerifiedConfigRejectsTamperedBlob(t *testing.T) {
	eng := newEngine(t)
	u, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)
	require.NoError(t, u.SetPassword("hunter2xxxx"))

	dir := t.TempDir()
	ks, err := keyset.Open(keyset.BackendFile, keyset.NewFileBackend(), dir+"/keyset.json", keyset.CapCreate, nil)
	require.NoError(t, err)
	u.Keyset = ks

	require.NoError(t, u.Config.Set(config.OptionComplianceLevel, acl.Value{Numeric: 1}))
	require.NoError(t, u.EncodeCommit("admin"))

	blob, err := ks.GetAttribute("admin")
	require.NoError(t, err)
	tampered := append([]byte{}, blob...)
	tampered[len(tampered)-1] ^= 0xFF
	require.NoError(t, ks.SetAttribute("admin", tampered))

	_, err = u.LoadVerifiedConfig("admin")
	require.Error(t, err)
}

func TestCACertManagementAlwaysUnavailable(t *testing.T) {
	eng := newEngine(t)
	u, err := Login(eng, "admin", "admin", bootstrapPassword, nil, nil)
	require.NoError(t, err)
	u.Role = RoleCA
	require.Error(t, u.CACertManagement())
}

package config

import (
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/coreguard/cryptkernel/pkg/certificate"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/coreguard/cryptkernel/pkg/keyset"
	"github.com/coreguard/cryptkernel/pkg/trust"
)

func newStore(t *testing.T, selfTest SelfTestFunc) *Store {
	t.Helper()
	eng, err := acl.LoadDefault()
	require.NoError(t, err)
	return New(eng, kernel.SubtypeUserNormal, selfTest)
}

func TestGetReturnsDefaultBeforeAnySet(t *testing.T) {
	s := newStore(t, nil)
	v := s.Get(OptionComplianceLevel)
	require.EqualValues(t, 2, v.Numeric)
}

func TestSetComplianceLevelReducingOnly(t *testing.T) {
	s := newStore(t, nil)
	require.NoError(t, s.Set(OptionComplianceLevel, acl.Value{Numeric: 1}))
	require.EqualValues(t, 1, s.Get(OptionComplianceLevel).Numeric)

	err := s.Set(OptionComplianceLevel, acl.Value{Numeric: 3})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ArgumentRange))
	require.EqualValues(t, 1, s.Get(OptionComplianceLevel).Numeric)
}

func TestSelfTestTwoPhaseReducingOnly(t *testing.T) {
	result := true
	s := newStore(t, func() bool { return result })

	require.NoError(t, s.Set(OptionSelfTestOK, acl.Value{}))
	require.True(t, s.Get(OptionSelfTestOK).Boolean)

	result = false
	require.NoError(t, s.Set(OptionSelfTestOK, acl.Value{}))
	require.False(t, s.Get(OptionSelfTestOK).Boolean)

	result = true
	require.NoError(t, s.Set(OptionSelfTestOK, acl.Value{}))
	require.False(t, s.Get(OptionSelfTestOK).Boolean, "once failed, self-test-ok cannot be raised back")
}

func TestEncodeNothingToCommit(t *testing.T) {
	s := newStore(t, nil)
	_, err := s.Encode("user-1", nil)
	require.True(t, errs.Is(err, errs.Complete))
}

func TestEncodeCommitRoundTripClearsDirty(t *testing.T) {
	s := newStore(t, nil)
	require.NoError(t, s.Set(OptionComplianceLevel, acl.Value{Numeric: 1}))

	data, err := s.Encode("user-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	dir := t.TempDir()
	ks, err := keyset.Open(keyset.BackendFile, keyset.NewFileBackend(), dir+"/keyset.json", keyset.CapCreate, nil)
	require.NoError(t, err)

	require.NoError(t, s.Commit(ks, "user-1", data, nil))

	_, err = s.Encode("user-1", nil)
	require.True(t, errs.Is(err, errs.Complete), "dirty flags should be cleared after commit")
}

func TestEncodeIncludesTrustManagerWhenChanged(t *testing.T) {
	s := newStore(t, nil)
	tm, err := trust.New(8)
	require.NoError(t, err)

	key, err := capability.GenerateRSA(2048, nil)
	require.NoError(t, err)
	cert, err := certificate.Build(certificate.Template{
		SubjectDN: pkix.Name{CommonName: "trusted-root"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		IsCA:      true,
	}, key, nil, nil)
	require.NoError(t, err)

	require.NoError(t, tm.Add(kernel.NullHandle, cert, nil, true))
	require.True(t, tm.Changed())

	data, err := s.Encode("user-1", tm)
	require.NoError(t, err)
	require.Contains(t, string(data), "trusted-root")
}

func TestDeleteRejectsNonStringOption(t *testing.T) {
	s := newStore(t, nil)
	err := s.Delete(OptionComplianceLevel)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Permission))
}

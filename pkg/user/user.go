// Package user implements the user object (C9, spec §4.9): the record
// binding an identity to its lifecycle state, its owned config option
// store and trust manager, its backing keyset, and — for security
// officers and certificate-authority users — a signing key used to
// authenticate users it creates. Grounded on
// original_source/cryptlib/cryptusr.c's user lifecycle (the fixed
// primary-SO bootstrap password, zeroise-on-first-login, and
// creator-signed subsequent users) and on spec §4.9's lifecycle states.
package user

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/capability"
	"github.com/coreguard/cryptkernel/pkg/config"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/coreguard/cryptkernel/pkg/keyset"
	"github.com/coreguard/cryptkernel/pkg/trust"
)

// bootstrapPassword is the fixed primary-SO password recognised on a
// zeroised install (original_source's PRIMARYSO_PASSWORD). Logging in
// with it wipes every existing user keyset and index and recreates the
// primary SO record.
const bootstrapPassword = "zeroised"

// Role is a composite privilege bitmask; the default user carries both
// RoleNormal and RoleSO (original_source: "the default user is a
// special type which has both normal user and SO privileges").
type Role int

const (
	RoleNormal Role = 1 << iota
	RoleSO
	RoleCA
)

func (r Role) Has(bit Role) bool { return r&bit != 0 }

// State is the user lifecycle (spec §4.9).
type State int

const (
	StatePreInit State = iota
	StateSOInited
	StateUserInited
	StateLocked
)

// User is the kernel payload for TypeUser objects.
type User struct {
	mu sync.RWMutex

	ID        []byte
	CreatorID []byte
	Role      Role
	State     State

	Config *config.Store
	Trust  *trust.Manager
	Keyset *keyset.Keyset

	// SigningKey authenticates users this user creates (SO/CA only);
	// nil for plain normal users.
	SigningKey *capability.Context

	passwordHash [32]byte
	hasPassword  bool

	subtype kernel.Subtype
}

func (u *User) ObjectType() kernel.Type       { return kernel.TypeUser }
func (u *User) ObjectSubtype() kernel.Subtype { return u.subtype }
func (u *User) Destroy() {
	if u.Keyset != nil {
		u.Keyset.Destroy()
	}
}

// subtypeFor picks the ACL dispatch subtype for a role: the default
// user's dual privilege maps to the SO subtype, the superset, so its
// attribute cells are at least as permissive as a plain normal user's.
func subtypeFor(role Role) kernel.Subtype {
	switch {
	case role.Has(RoleCA):
		return kernel.SubtypeUserCA
	case role.Has(RoleSO):
		return kernel.SubtypeUserSO
	default:
		return kernel.SubtypeUserNormal
	}
}

// ZeroisationIndex is the erase-then-recreate target: the set of user
// keysets and the user index a bootstrap login destroys.
type ZeroisationIndex interface {
	EraseAll() error
}

// Login implements spec §4.9's zeroise/create path. It accepts only the
// bootstrap password for the primary SO name: it erases index (skipped
// when index is nil) and creates a fresh primary SO. Existing users are
// not looked up; every other name/password pair returns WrongKey.
func Login(engine *acl.Engine, primarySOName, name, password string, index ZeroisationIndex, selfTest config.SelfTestFunc) (*User, error) {
	if name == primarySOName && password == bootstrapPassword {
		if index != nil {
			if err := index.EraseAll(); err != nil {
				return nil, errs.Wrap(errs.Write, "", err)
			}
		}
		return newPrimarySO(engine, primarySOName, selfTest)
	}
	return nil, errs.New(errs.WrongKey)
}

// newPrimarySO creates the primary SO record fresh after a zeroise.
func newPrimarySO(engine *acl.Engine, name string, selfTest config.SelfTestFunc) (*User, error) {
	role := RoleNormal | RoleSO
	u := &User{
		ID:      []byte(name),
		Role:    role,
		State:   StateSOInited,
		subtype: subtypeFor(role),
	}
	u.Config = config.New(engine, u.subtype, selfTest)
	tm, err := trust.New(256)
	if err != nil {
		return nil, err
	}
	u.Trust = tm
	return u, nil
}

// SetPassword transitions SO-inited to user-inited (spec §4.9
// "Password changes transition SO-inited → user-inited"), or simply
// changes the password once past pre-init.
func (u *User) SetPassword(password string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.State == StatePreInit {
		return errs.New(errs.NotInitialised)
	}
	if password == bootstrapPassword {
		return errs.New(errs.ArgumentValue)
	}
	u.passwordHash = sha256.Sum256([]byte(password))
	u.hasPassword = true
	if u.State == StateSOInited {
		u.State = StateUserInited
	}
	return nil
}

func (u *User) CheckPassword(password string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.hasPassword {
		return false
	}
	got := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(got[:], u.passwordHash[:]) == 1
}

// Lock/Unlock implement the user-inited ↔ locked lifecycle edge.
func (u *User) Lock() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.State != StateUserInited {
		return errs.New(errs.Invalid)
	}
	u.State = StateLocked
	return nil
}

func (u *User) Unlock(password string) error {
	if !u.CheckPassword(password) {
		return errs.New(errs.WrongKey)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.State != StateLocked {
		return errs.New(errs.Invalid)
	}
	u.State = StateUserInited
	return nil
}

// Create builds a new user bound to its own keyset, signed by the
// creator's signing key (spec §4.9 "Subsequent users are created by an
// SO, each bound to its own keyset file and signed by the creator's
// signing key"). The creator must be SO- or CA-capable and hold a
// signing key.
func (u *User) Create(engine *acl.Engine, id []byte, role Role, ks *keyset.Keyset, selfTest config.SelfTestFunc) (*User, []byte, error) {
	u.mu.RLock()
	canCreate := u.Role.Has(RoleSO) || u.Role.Has(RoleCA)
	signer := u.SigningKey
	creatorID := u.ID
	u.mu.RUnlock()
	if !canCreate {
		return nil, nil, errs.New(errs.Permission)
	}
	if signer == nil || !signer.CanSign() {
		return nil, nil, errs.New(errs.NotInitialised)
	}

	child := &User{
		ID:        id,
		CreatorID: creatorID,
		Role:      role,
		State:     StatePreInit,
		subtype:   subtypeFor(role),
		Keyset:    ks,
	}
	child.Config = config.New(engine, child.subtype, selfTest)
	tm, err := trust.New(256)
	if err != nil {
		return nil, nil, err
	}
	child.Trust = tm

	sig, err := signRecord(signer, id, creatorID)
	if err != nil {
		return nil, nil, err
	}
	child.State = StateSOInited
	return child, sig, nil
}

// Authenticate verifies the signature a user record was created with
// against the claimed creator's public signing key (spec §4.9 "mutual
// authentication at load time verifies the signature before admitting
// the user").
func Authenticate(creatorKey *capability.Context, id, creatorID, sig []byte) error {
	digest := recordDigest(id, creatorID)
	switch pub := creatorKey.Public.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, 0, digest, sig); err != nil {
			return errs.Wrap(errs.Signature, "", err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return errs.New(errs.Signature)
		}
		return nil
	default:
		return errs.New(errs.NotAvailable)
	}
}

func recordDigest(id, creatorID []byte) []byte {
	h := sha256.New()
	h.Write(id)
	h.Write(creatorID)
	return h.Sum(nil)
}

func signRecord(signer *capability.Context, id, creatorID []byte) ([]byte, error) {
	digest := recordDigest(id, creatorID)
	if rsaKey, ok := signer.Private.(*rsa.PrivateKey); ok {
		return rsa.SignPKCS1v15(rand.Reader, rsaKey, 0, digest)
	}
	if ecdsaKey, ok := signer.Private.(*ecdsa.PrivateKey); ok {
		return ecdsa.SignASN1(rand.Reader, ecdsaKey, digest)
	}
	return nil, errs.New(errs.NotAvailable)
}

// CACertManagement is present for ABI symmetry with keyset.Backend's
// CA verbs, but SPEC_FULL.md gates it to NotAvailable at the user
// layer regardless of role: certificate-authority operations route
// through the keyset's own CACertManagement (issue/revoke/expire
// against the CA's keyset), never directly through the user object.
func (u *User) CACertManagement() error { return errs.New(errs.NotAvailable) }

// EncodeCommit runs the atomic "encode locked, commit unlocked, re-lock"
// sequence spec §4.9 requires for a user's own keyset update. The
// encoded blob is MAC-sealed under the user's password hash before it
// ever reaches the keyset, completing the integrity check
// original_source leaves as a TODO.
func (u *User) EncodeCommit(target string) error {
	u.mu.Lock()
	if u.State != StateUserInited {
		u.mu.Unlock()
		return errs.New(errs.Invalid)
	}
	if !u.hasPassword {
		u.mu.Unlock()
		return errs.New(errs.NotInitialised)
	}
	u.State = StateLocked
	data, err := u.Config.Encode(target, u.Trust)
	secret := u.passwordHash
	u.mu.Unlock()
	if errs.Is(err, errs.Complete) {
		u.mu.Lock()
		u.State = StateUserInited
		u.mu.Unlock()
		return nil
	}
	if err != nil {
		u.mu.Lock()
		u.State = StateUserInited
		u.mu.Unlock()
		return err
	}

	sealed, err := sealContainer(secret[:], data)
	if err != nil {
		u.mu.Lock()
		u.State = StateUserInited
		u.mu.Unlock()
		return err
	}

	commitErr := u.Config.Commit(u.Keyset, target, sealed, u.Trust)

	u.mu.Lock()
	u.State = StateUserInited
	u.mu.Unlock()
	return commitErr
}

// LoadVerifiedConfig fetches and MAC-verifies target's committed
// config blob from the user's own keyset, failing closed on any
// tamper or wrong password.
func (u *User) LoadVerifiedConfig(target string) ([]byte, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.hasPassword {
		return nil, errs.New(errs.NotInitialised)
	}
	return LoadConfig(u.passwordHash[:], u.Keyset, target)
}

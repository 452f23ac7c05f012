package kernel

import "github.com/coreguard/cryptkernel/pkg/errs"

// Type is the coarse object kind carried by every record (spec §3).
type Type int

const (
	TypeNone Type = iota
	TypeContext
	TypeCertificate
	TypeKeyset
	TypeEnvelope
	TypeSession
	TypeDevice
	TypeUser
)

func (t Type) String() string {
	switch t {
	case TypeContext:
		return "context"
	case TypeCertificate:
		return "certificate"
	case TypeKeyset:
		return "keyset"
	case TypeEnvelope:
		return "envelope"
	case TypeSession:
		return "session"
	case TypeDevice:
		return "device"
	case TypeUser:
		return "user"
	default:
		return "none"
	}
}

// Subtype refines Type. The zero value is valid only for types that
// have no subtype distinction (keyset, envelope, session, device,
// user each define their own meaningful zero/non-zero subtypes in
// their owning packages; kernel only needs to carry the int opaquely
// for ACL lookups).
type Subtype int

// Certificate subtypes (spec §3 "Object record").
const (
	SubtypeNone Subtype = iota
	SubtypeCertCert
	SubtypeCertChain
	SubtypeCertRequest
	SubtypeCertCRL
	SubtypeCertAttribute
	SubtypeCertRTCSRequest
	SubtypeCertRTCSResponse
	SubtypeCertOCSPRequest
	SubtypeCertOCSPResponse
	SubtypeCertCMSAttributes
	SubtypeCertPKIUser
)

// User subtypes (spec §4.9): the default user carries both normal and
// SO privilege; a CA user additionally gates ca-cert-management.
const (
	SubtypeUserNormal Subtype = iota + 100
	SubtypeUserSO
	SubtypeUserCA
)

// State is the object lifecycle state (spec §3). Transitions are
// monotonic except Busy<->Ready.
type State int

const (
	StateUninitialised State = iota
	StatePartiallyInitialised
	StateReady
	StateBusy
	StateSignalled
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StatePartiallyInitialised:
		return "partially-initialised"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateSignalled:
		return "signalled"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MessageClass groups control verbs and attribute operations for the
// action-permission mask (spec §3 "Action permission mask").
type MessageClass int

const (
	ClassSign MessageClass = iota
	ClassVerify
	ClassEncrypt
	ClassDecrypt
	ClassHash
	ClassMAC
	ClassKeyManagement
	ClassAttributeRW
	ClassDestroy
)

// PermissionLevel is one of the three levels a MessageClass can carry.
type PermissionLevel int

const (
	PermForbidden PermissionLevel = iota
	PermInternalOnly
	PermExternal
)

// ActionPermissions is the per-object action-permission mask: for each
// message class, the level granted.
type ActionPermissions map[MessageClass]PermissionLevel

// Level returns the permission level for a class, defaulting to
// Forbidden when the class has no explicit entry — the ACL engine's
// "appears in the table or is rejected by default" posture applied to
// control verbs too.
func (a ActionPermissions) Level(c MessageClass) PermissionLevel {
	if a == nil {
		return PermForbidden
	}
	if lvl, ok := a[c]; ok {
		return lvl
	}
	return PermForbidden
}

// Payload is implemented by every type-specific object body (a
// *certificate.Certificate, a *capability.Context, an *envelope.Envelope,
// …). The kernel never inspects a payload's internals: it only needs a
// type/subtype tag to drive ACL lookups and a Destroy hook so resources
// (buffers, key material) are released deterministically.
type Payload interface {
	ObjectType() Type
	ObjectSubtype() Subtype
	// Destroy releases any resources the payload holds. Table.Destroy
	// releases the dependent handle's reference itself and calls this at
	// most once, after marking the record destroyed and releasing its
	// per-object lock.
	Destroy()
}

// ErrorLocus is the last attribute/position that failed on this object
// and the class of failure, per spec §3 "Error locus and type".
type ErrorLocus struct {
	Type  errs.Kind
	Locus string
}

// Record is the kernel-owned object record (spec §3). All fields are
// only ever mutated through Table methods holding the appropriate lock.
type Record struct {
	Handle      Handle
	Type        Type
	Subtype     Subtype
	State       State
	Permissions ActionPermissions
	Owner       Handle
	Dependent   Handle // optional; NullHandle if none
	RefCount    int
	Suspended   bool
	LastError   ErrorLocus
	Payload     Payload

	generation uint32
}

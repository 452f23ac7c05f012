// Package acl implements the attribute ACL engine (spec §4.1): a pure,
// declarative policy table describing which attributes exist, their
// type/range, and which object subtype/state combinations may read or
// write them, loaded once from an HCL source of truth (tables.hcl) into
// static Go lookup structures.
package acl

import "github.com/coreguard/cryptkernel/pkg/kernel"

// AttributeID is a 32-bit identifier partitioned by range into groups
// (spec §6 "Attribute identifier space"). The ranges exist so a
// handler can tell at a glance which group an id belongs to without a
// table lookup; the authoritative definition of each id's semantics is
// still the ACL table.
type AttributeID uint32

const (
	rangeGeneral     = 1000
	rangeContext     = 2000
	rangeCertificate = 3000
	rangeKeyset      = 4000
	rangeEnvelope    = 5000
	rangeSession     = 6000
	rangeUser        = 7000
	rangeDevice      = 8000
	rangeOption      = 9000
	rangeInternal    = 100000
)

// General attributes, present on every object type.
const (
	AttrErrorType AttributeID = rangeGeneral + iota
	AttrErrorLocus
	AttrCurrentStatus
	AttrOwner
)

// Context attributes.
const (
	AttrContextAlgo AttributeID = rangeContext + iota
	AttrContextKeySize
	AttrContextLabel
	AttrContextKeyingComplete
)

// Certificate attributes.
const (
	AttrCertSubjectDN AttributeID = rangeCertificate + iota
	AttrCertIssuerDN
	AttrCertSerialNumber
	AttrCertValidFrom
	AttrCertValidTo
	AttrCertKeyUsage
	AttrCertBasicConstraintsCA
	AttrCertPathLenConstraint
	AttrCertSelfSigned
	AttrCertTrustedImplicit
	AttrCertRevocationReason
	AttrCertRevocationDate
	AttrCertNameConstraintPermitted
	AttrCertNameConstraintExcluded
	AttrCertSubjectAltName
)

// Keyset attributes.
const (
	AttrKeysetBackendType AttributeID = rangeKeyset + iota
	AttrKeysetQuery
)

// Envelope attributes.
const (
	AttrEnvelopeContentType AttributeID = rangeEnvelope + iota
	AttrEnvelopeCompression
	AttrEnvelopeDataSize
	AttrEnvelopeSigningKey
	AttrEnvelopeRecipientKey
	AttrEnvelopePassword
	AttrEnvelopeSessionKey
	AttrEnvelopeMACKey
	AttrEnvelopeHashAlgo
)

// Session attributes (sessions are out of the core's implementation
// scope per spec §1, but they still flow through the same message bus
// and attribute id space).
const (
	AttrSessionTimeout AttributeID = rangeSession + iota
)

// User attributes.
const (
	AttrUserID AttributeID = rangeUser + iota
	AttrUserCreatorID
	AttrUserRole
	AttrUserPassword
)

// Device attributes.
const (
	AttrDeviceType AttributeID = rangeDevice + iota
)

// Option (configuration) attributes.
const (
	AttrOptionComplianceLevel AttributeID = rangeOption + iota
	AttrOptionSelfTestOK
	AttrOptionConfigChanged
)

// IsInternal reports whether an id falls in the range rejected for
// external callers (spec §6).
func (a AttributeID) IsInternal() bool { return uint32(a) >= rangeInternal }

// Kind is the attribute's declared value type.
type Kind int

const (
	KindNumeric Kind = iota
	KindBoolean
	KindString
	KindTime
	KindBinary
	KindHandle
)

// Charset restricts string/binary attribute content.
type Charset int

const (
	CharsetAny Charset = iota
	CharsetPrintable
	CharsetIA5
	CharsetUTF8
)

// Access is one permission granted on an attribute in a given
// subtype/state cell (spec §4.1 "Access vector").
type Access int

const (
	AccessReadExternal Access = iota
	AccessReadInternal
	AccessWriteExternal
	AccessWriteInternal
	AccessDelete
	AccessTrigger
)

// AccessSet is a small set of Access values.
type AccessSet map[Access]bool

func (s AccessSet) Has(a Access) bool { return s != nil && s[a] }

// Op is the operation the dispatcher is asking the ACL engine to check.
type Op int

const (
	OpRead Op = iota
	OpReadExternal
	OpWriteExternal
	OpWriteInternal
	OpDelete
)

// subtypeState packs a (subtype, state) pair into one map key.
type subtypeState struct {
	subtype kernel.Subtype
	state   kernel.State
}

// CrossConstraint is a small predicate over the whole attribute set of
// an object, evaluated after the per-attribute checks pass (spec §4.1
// "Cross-attribute constraints").
type CrossConstraint struct {
	Kind ConstraintKind
	With AttributeID
}

type ConstraintKind int

const (
	ConstraintMutuallyExclusiveWith ConstraintKind = iota
	ConstraintRequires
	ConstraintImpliesStateAtLeast
)

// AttrInfo is the static record for one attribute (spec §4.1).
type AttrInfo struct {
	ID   AttributeID
	Name string
	Kind Kind

	// Numeric/time bounds.
	Low, High int64
	// String/blob length bounds.
	MinLength, MaxLength int
	Charset              Charset
	// Handle target constraints.
	TargetType     kernel.Type
	TargetSubtypes []kernel.Subtype

	Access      map[subtypeState]AccessSet
	Constraints []CrossConstraint
	// ResetsStateTo: writing this attribute transitions object state,
	// per "write resets state to X" semantics (0 = no reset).
	ResetsStateTo kernel.State
}

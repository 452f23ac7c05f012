package acl

import (
	_ "embed"
	"fmt"

	"github.com/coreguard/cryptkernel/pkg/kernel"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/hashicorp/hcl"
)

//go:embed tables.hcl
var defaultTableSource []byte

type hclRoot struct {
	Attribute map[string]*hclAttribute `hcl:"attribute"`
}

type hclAttribute struct {
	Kind           string              `hcl:"kind"`
	Low            int64               `hcl:"low"`
	High           int64               `hcl:"high"`
	MinLength      int                 `hcl:"min_length"`
	MaxLength      int                 `hcl:"max_length"`
	Charset        string              `hcl:"charset"`
	TargetType     string              `hcl:"target_type"`
	TargetSubtypes []string            `hcl:"target_subtypes"`
	Requires       []string            `hcl:"requires"`
	ExcludesWith   []string            `hcl:"excludes_with"`
	Access         map[string]*hclCell `hcl:"access"`
}

type hclCell struct {
	Ops []string `hcl:"ops"`
}

var nameToID = buildNameToID()

func buildNameToID() map[string]AttributeID {
	return map[string]AttributeID{
		"cert_subject_dn":                 AttrCertSubjectDN,
		"cert_issuer_dn":                  AttrCertIssuerDN,
		"cert_serial_number":              AttrCertSerialNumber,
		"cert_valid_from":                 AttrCertValidFrom,
		"cert_valid_to":                   AttrCertValidTo,
		"cert_key_usage":                  AttrCertKeyUsage,
		"cert_basic_constraints_ca":       AttrCertBasicConstraintsCA,
		"cert_path_len_constraint":        AttrCertPathLenConstraint,
		"cert_self_signed":                AttrCertSelfSigned,
		"cert_trusted_implicit":           AttrCertTrustedImplicit,
		"cert_revocation_reason":          AttrCertRevocationReason,
		"cert_revocation_date":            AttrCertRevocationDate,
		"cert_name_constraint_permitted":  AttrCertNameConstraintPermitted,
		"cert_name_constraint_excluded":   AttrCertNameConstraintExcluded,
		"cert_subject_alt_name":           AttrCertSubjectAltName,
		"context_algo":                    AttrContextAlgo,
		"context_key_size":                AttrContextKeySize,
		"context_label":                   AttrContextLabel,
		"context_keying_complete":         AttrContextKeyingComplete,
		"envelope_content_type":           AttrEnvelopeContentType,
		"envelope_compression":            AttrEnvelopeCompression,
		"envelope_data_size":              AttrEnvelopeDataSize,
		"envelope_signing_key":            AttrEnvelopeSigningKey,
		"envelope_recipient_key":          AttrEnvelopeRecipientKey,
		"envelope_password":               AttrEnvelopePassword,
		"envelope_session_key":            AttrEnvelopeSessionKey,
		"envelope_mac_key":                AttrEnvelopeMACKey,
		"envelope_hash_algo":              AttrEnvelopeHashAlgo,
		"user_id":                         AttrUserID,
		"user_creator_id":                 AttrUserCreatorID,
		"user_role":                       AttrUserRole,
		"user_password":                   AttrUserPassword,
		"option_compliance_level":         AttrOptionComplianceLevel,
		"option_self_test_ok":             AttrOptionSelfTestOK,
		"option_config_changed":           AttrOptionConfigChanged,
	}
}

var kindNames = map[string]Kind{
	"numeric": KindNumeric,
	"boolean": KindBoolean,
	"string":  KindString,
	"time":    KindTime,
	"binary":  KindBinary,
	"handle":  KindHandle,
}

var charsetNames = map[string]Charset{
	"any":       CharsetAny,
	"printable": CharsetPrintable,
	"ia5":       CharsetIA5,
	"utf8":      CharsetUTF8,
	"":          CharsetAny,
}

var subtypeNames = map[string]kernel.Subtype{
	"any":        -1,
	"cert":       kernel.SubtypeCertCert,
	"chain":      kernel.SubtypeCertChain,
	"request":    kernel.SubtypeCertRequest,
	"crl":        kernel.SubtypeCertCRL,
	"attrcert":   kernel.SubtypeCertAttribute,
	"rtcsreq":    kernel.SubtypeCertRTCSRequest,
	"rtcsresp":   kernel.SubtypeCertRTCSResponse,
	"ocspreq":    kernel.SubtypeCertOCSPRequest,
	"ocspresp":   kernel.SubtypeCertOCSPResponse,
	"cmsattrs":   kernel.SubtypeCertCMSAttributes,
	"pkiuser":    kernel.SubtypeCertPKIUser,
	"user-normal": kernel.SubtypeUserNormal,
	"user-so":      kernel.SubtypeUserSO,
	"user-ca":      kernel.SubtypeUserCA,
}

var stateNames = map[string]kernel.State{
	"any":                    -1,
	"uninitialised":          kernel.StateUninitialised,
	"partially-initialised":  kernel.StatePartiallyInitialised,
	"ready":                  kernel.StateReady,
	"busy":                   kernel.StateBusy,
	"signalled":              kernel.StateSignalled,
	"destroyed":              kernel.StateDestroyed,
}

var typeNames = map[string]kernel.Type{
	"context":     kernel.TypeContext,
	"certificate": kernel.TypeCertificate,
	"keyset":      kernel.TypeKeyset,
	"envelope":    kernel.TypeEnvelope,
	"session":     kernel.TypeSession,
	"device":      kernel.TypeDevice,
	"user":        kernel.TypeUser,
}

// wildcard marks an "any.<state>" or "<subtype>.any" cell; when such a
// cell is compiled, the slots of subtypeState are
// populated for every concrete subtype/state the engine knows about
// rather than stored as a literal wildcard, so lookup stays a single
// map hit with no fallback scan.
const wildcard = -1

// Load parses an HCL attribute table (spec §4.1's declarative policy
// language) into a compiled Engine.
func Load(src []byte) (*Engine, error) {
	var root hclRoot
	if err := hcl.Unmarshal(src, &root); err != nil {
		return nil, fmt.Errorf("acl: parsing table: %w", err)
	}

	// SubtypeNone is the subtype of payloads with no subtype distinction
	// (contexts, envelopes, keysets), so "any" has to cover it as well.
	allSubtypes := []kernel.Subtype{kernel.SubtypeNone}
	for name, st := range subtypeNames {
		if name != "any" {
			allSubtypes = append(allSubtypes, st)
		}
	}
	allStates := []kernel.State{
		kernel.StateUninitialised, kernel.StatePartiallyInitialised,
		kernel.StateReady, kernel.StateBusy, kernel.StateSignalled,
	}

	infos := make(map[AttributeID]*AttrInfo, len(root.Attribute))
	for name, a := range root.Attribute {
		id, ok := nameToID[name]
		if !ok {
			return nil, fmt.Errorf("acl: table references unknown attribute %q", name)
		}
		info := &AttrInfo{
			ID:        id,
			Name:      name,
			Kind:      kindNames[a.Kind],
			Low:       a.Low,
			High:      a.High,
			MinLength: a.MinLength,
			MaxLength: a.MaxLength,
			Charset:   charsetNames[a.Charset],
			Access:    map[subtypeState]AccessSet{},
		}
		if a.TargetType != "" {
			info.TargetType = typeNames[a.TargetType]
		}
		for _, s := range a.TargetSubtypes {
			if st, ok := subtypeNames[s]; ok {
				info.TargetSubtypes = append(info.TargetSubtypes, st)
			}
		}
		for _, req := range a.Requires {
			if rid, ok := nameToID[req]; ok {
				info.Constraints = append(info.Constraints, CrossConstraint{Kind: ConstraintRequires, With: rid})
			}
		}
		for _, ex := range a.ExcludesWith {
			if rid, ok := nameToID[ex]; ok {
				info.Constraints = append(info.Constraints, CrossConstraint{Kind: ConstraintMutuallyExclusiveWith, With: rid})
			}
		}

		for cellKey, cell := range a.Access {
			subName, stateName, err := splitCellKey(cellKey)
			if err != nil {
				return nil, fmt.Errorf("acl: attribute %q: %w", name, err)
			}
			subtypes := []kernel.Subtype{subtypeNames[subName]}
			if subName == "any" {
				subtypes = allSubtypes
			}
			states := []kernel.State{stateNames[stateName]}
			if stateName == "any" {
				states = allStates
			}
			set := AccessSet{}
			for _, op := range cell.Ops {
				access, err := opFromString(op)
				if err != nil {
					return nil, fmt.Errorf("acl: attribute %q: %w", name, err)
				}
				set[access] = true
			}
			for _, st := range subtypes {
				for _, stt := range states {
					info.Access[subtypeState{subtype: st, state: stt}] = set
				}
			}
		}
		infos[id] = info
	}

	return &Engine{infos: infos}, nil
}

// LoadDefault compiles the module's built-in ACL table.
func LoadDefault() (*Engine, error) { return Load(defaultTableSource) }

func splitCellKey(key string) (subtype, state string, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed access cell %q, want \"subtype.state\"", key)
}

var accessVerbs = []string{
	"read-external", "read-internal", "write-external", "write-internal", "delete", "trigger",
}

// opFromString validates op against the table's known verb set with
// strutil before mapping it, rather than silently treating a typo'd
// verb (e.g. a table author writing "read" instead of "read-external")
// as a grant of AccessReadExternal.
func opFromString(s string) (Access, error) {
	if !strutil.StrListContains(accessVerbs, s) {
		return 0, fmt.Errorf("unknown access verb %q", s)
	}
	switch s {
	case "read-external":
		return AccessReadExternal, nil
	case "read-internal":
		return AccessReadInternal, nil
	case "write-external":
		return AccessWriteExternal, nil
	case "write-internal":
		return AccessWriteInternal, nil
	case "delete":
		return AccessDelete, nil
	default:
		return AccessTrigger, nil
	}
}

package acl

import (
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	multierror "github.com/hashicorp/go-multierror"
)

// Engine is the compiled, immutable attribute ACL table. It is pure:
// Check never mutates anything and never has side effects beyond
// returning a decision (spec §4.1 "Contract").
type Engine struct {
	infos map[AttributeID]*AttrInfo
}

// Info returns the static record for an attribute, or (nil, false) if
// the id is not declared — spec.md's "appears in the table or is
// rejected by default".
func (e *Engine) Info(id AttributeID) (*AttrInfo, bool) {
	info, ok := e.infos[id]
	return info, ok
}

// Value is a loosely-typed attribute value as seen by the ACL engine;
// handlers convert to/from their concrete representation.
type Value struct {
	Numeric int64
	Boolean bool
	String  string
	Binary  []byte
	Time    int64 // unix seconds
	Handle  kernel.Handle
}

// Check validates (record, attribute, op, value) against the table and
// returns either nil (OK) or a structured *errs.Error whose Kind is one
// of NotFound (unknown attribute), ArgumentRange, ArgumentValue,
// Permission (including an internal-range id from an external caller),
// or NotInitialised.
func (e *Engine) Check(rec *kernel.Record, id AttributeID, op Op, val Value, external bool) error {
	if external && id.IsInternal() {
		return errs.At(errs.Permission, errs.LocusAttribute, "internal attribute")
	}
	info, ok := e.infos[id]
	if !ok {
		return errs.At(errs.NotFound, errs.LocusAttribute, "unknown attribute")
	}

	if err := checkAccess(info, rec, op, external); err != nil {
		return err
	}

	if op == OpWriteExternal || op == OpWriteInternal {
		if err := checkValue(info, val); err != nil {
			return err
		}
	}
	return nil
}

func checkAccess(info *AttrInfo, rec *kernel.Record, op Op, external bool) error {
	cell, ok := info.Access[subtypeState{subtype: rec.Subtype, state: rec.State}]
	if !ok {
		return errs.At(errs.NotInitialised, errs.LocusAttribute, info.Name)
	}
	var want Access
	switch op {
	case OpRead, OpReadExternal:
		want = AccessReadExternal
		if !external {
			want = AccessReadInternal
		}
	case OpWriteExternal:
		want = AccessWriteExternal
	case OpWriteInternal:
		want = AccessWriteInternal
	case OpDelete:
		want = AccessDelete
	}
	if !cell.Has(want) {
		// Internal callers may still use an external-only grant.
		if !external && want == AccessReadInternal && cell.Has(AccessReadExternal) {
			return nil
		}
		return errs.At(errs.Permission, errs.LocusAttribute, info.Name)
	}
	return nil
}

func checkValue(info *AttrInfo, val Value) error {
	switch info.Kind {
	case KindNumeric, KindTime:
		n := val.Numeric
		if info.Kind == KindTime {
			n = val.Time
		}
		if info.Low != 0 || info.High != 0 {
			if n < info.Low || n > info.High {
				return errs.At(errs.ArgumentRange, errs.LocusAttribute, info.Name)
			}
		}
	case KindString:
		if len(val.String) < info.MinLength || (info.MaxLength > 0 && len(val.String) > info.MaxLength) {
			return errs.At(errs.ArgumentRange, errs.LocusAttribute, info.Name)
		}
		if !charsetAllows(info.Charset, val.String) {
			return errs.At(errs.ArgumentValue, errs.LocusAttribute, info.Name)
		}
	case KindBinary:
		if len(val.Binary) < info.MinLength || (info.MaxLength > 0 && len(val.Binary) > info.MaxLength) {
			return errs.At(errs.ArgumentRange, errs.LocusAttribute, info.Name)
		}
	case KindHandle:
		if val.Handle == kernel.NullHandle {
			return errs.At(errs.ArgumentValue, errs.LocusAttribute, info.Name)
		}
	}
	return nil
}

// charsetAllows is plain per-byte range scanning: go-secure-stdlib's
// strutil exposes string-list membership and key/value parsing
// helpers, not a character-class predicate, so there is no library
// call this delegates to (see DESIGN.md).
func charsetAllows(cs Charset, s string) bool {
	switch cs {
	case CharsetAny:
		return true
	case CharsetPrintable:
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c < 0x20 || c > 0x7e {
				return false
			}
		}
		return true
	case CharsetIA5:
		for _, r := range s {
			if r > 127 {
				return false
			}
		}
		return true
	case CharsetUTF8:
		return true // Go strings are always valid to construct as UTF-8 text here
	default:
		return true
	}
}

// CheckAll evaluates a set of cross-attribute constraints (spec §4.1)
// against the set of attributes currently present on an object,
// aggregating every violation with go-multierror so the caller gets
// one coherent report instead of stopping at the first predicate.
func CheckAll(constraints []CrossConstraint, present map[AttributeID]bool) error {
	var result *multierror.Error
	for _, c := range constraints {
		switch c.Kind {
		case ConstraintRequires:
			if !present[c.With] {
				result = multierror.Append(result, errs.At(errs.Invalid, errs.LocusAttribute, "requires companion attribute"))
			}
		case ConstraintMutuallyExclusiveWith:
			if present[c.With] {
				result = multierror.Append(result, errs.At(errs.Invalid, errs.LocusAttribute, "mutually exclusive with companion attribute"))
			}
		}
	}
	return result.ErrorOrNil()
}

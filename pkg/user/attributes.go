package user

import (
	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// --- dispatch.AttributeHandler ---

func (u *User) GetAttribute(id acl.AttributeID) (acl.Value, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	switch id {
	case acl.AttrUserID:
		return acl.Value{Binary: u.ID}, nil
	case acl.AttrUserCreatorID:
		return acl.Value{Binary: u.CreatorID}, nil
	case acl.AttrUserRole:
		return acl.Value{Numeric: int64(u.Role)}, nil
	default:
		return acl.Value{}, errs.New(errs.NotFound)
	}
}

func (u *User) SetAttribute(id acl.AttributeID, val acl.Value) error {
	switch id {
	case acl.AttrUserPassword:
		return u.SetPassword(val.String)
	default:
		return errs.New(errs.Permission)
	}
}

func (u *User) DeleteAttribute(id acl.AttributeID) error {
	return errs.New(errs.Permission)
}

func (u *User) PresentAttributes() map[acl.AttributeID]bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	m := map[acl.AttributeID]bool{acl.AttrUserID: true, acl.AttrUserRole: true}
	if len(u.CreatorID) > 0 {
		m[acl.AttrUserCreatorID] = true
	}
	return m
}

// --- dispatch.ControlHandler ---

func (u *User) ControlPermission(verb string) (kernel.MessageClass, bool) {
	switch verb {
	case "lock", "unlock":
		return kernel.ClassAttributeRW, true
	case "encode-commit":
		return kernel.ClassKeyManagement, true
	default:
		return 0, false
	}
}

func (u *User) Control(verb string, args map[string]any) (any, error) {
	switch verb {
	case "lock":
		return nil, u.Lock()
	case "unlock":
		pw, _ := args["password"].(string)
		return nil, u.Unlock(pw)
	case "encode-commit":
		target, _ := args["target"].(string)
		return nil, u.EncodeCommit(target)
	default:
		return nil, errs.At(errs.NotAvailable, errs.LocusNone, verb)
	}
}

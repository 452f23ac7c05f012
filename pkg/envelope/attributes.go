package envelope

import (
	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// --- dispatch.AttributeHandler ---

func (e *Envelope) GetAttribute(id acl.AttributeID) (acl.Value, error) {
	switch id {
	case acl.AttrEnvelopeContentType:
		return acl.Value{Numeric: int64(e.ContentType)}, nil
	case acl.AttrEnvelopeCompression:
		return acl.Value{Boolean: e.Compression}, nil
	case acl.AttrEnvelopeDataSize:
		if !e.HasDataSize {
			return acl.Value{}, errs.New(errs.NotFound)
		}
		return acl.Value{Numeric: e.DataSize}, nil
	case acl.AttrEnvelopeSigningKey:
		return acl.Value{Handle: e.SigningKey}, nil
	case acl.AttrEnvelopeRecipientKey:
		return acl.Value{Handle: e.RecipientKey}, nil
	case acl.AttrEnvelopeSessionKey:
		return acl.Value{Handle: e.SessionKey}, nil
	case acl.AttrEnvelopeMACKey:
		return acl.Value{Handle: e.MACKey}, nil
	case acl.AttrEnvelopeHashAlgo:
		return acl.Value{Numeric: int64(e.HashAlgo)}, nil
	default:
		return acl.Value{}, errs.New(errs.NotFound)
	}
}

func (e *Envelope) SetAttribute(id acl.AttributeID, val acl.Value) error {
	if e.planFrozen {
		return errs.New(errs.Permission)
	}
	switch id {
	case acl.AttrEnvelopeContentType:
		e.ContentType = int(val.Numeric)
	case acl.AttrEnvelopeCompression:
		e.Compression = val.Boolean
	case acl.AttrEnvelopeDataSize:
		e.DataSize = val.Numeric
		e.HasDataSize = true
	case acl.AttrEnvelopeSigningKey:
		if e.keyAdded {
			return errs.New(errs.AlreadyInited)
		}
		e.SigningKey = val.Handle
		e.keyAdded = true
	case acl.AttrEnvelopeRecipientKey:
		e.RecipientKey = val.Handle
	case acl.AttrEnvelopeSessionKey:
		e.SessionKey = val.Handle
	case acl.AttrEnvelopeMACKey:
		e.MACKey = val.Handle
	case acl.AttrEnvelopeHashAlgo:
		e.HashAlgo = acl.AttributeID(val.Numeric)
	case acl.AttrEnvelopePassword:
		return e.SetPassword(val.String)
	default:
		return errs.New(errs.NotFound)
	}
	return nil
}

func (e *Envelope) DeleteAttribute(id acl.AttributeID) error {
	return errs.New(errs.Permission)
}

func (e *Envelope) PresentAttributes() map[acl.AttributeID]bool {
	m := map[acl.AttributeID]bool{acl.AttrEnvelopeContentType: true}
	if e.Compression {
		m[acl.AttrEnvelopeCompression] = true
	}
	if e.keyAdded {
		m[acl.AttrEnvelopePassword] = true
	}
	return m
}

// --- dispatch.ControlHandler ---

func (e *Envelope) ControlPermission(verb string) (kernel.MessageClass, bool) {
	switch verb {
	case "push-data", "pop-data":
		return kernel.ClassEncrypt, true
	case "flush-data":
		return kernel.ClassEncrypt, true
	default:
		return 0, false
	}
}

func (e *Envelope) Control(verb string, args map[string]any) (any, error) {
	switch verb {
	case "push-data":
		data, _ := args["data"].([]byte)
		n, err := e.PushData(data)
		return n, err
	case "flush-data":
		return nil, e.FlushData()
	case "pop-data":
		buf, _ := args["buf"].([]byte)
		n, err := e.PopData(buf)
		return n, err
	default:
		return nil, errs.New(errs.NotAvailable)
	}
}

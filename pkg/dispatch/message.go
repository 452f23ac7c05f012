// Package dispatch implements the message dispatcher (C3, spec §4.3):
// the single choke point every external API call passes through. It
// validates the handle, consults the ACL engine, forwards to the
// target object's type-specific handler, and records the result.
package dispatch

import (
	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/kernel"
)

// Kind enumerates the message shapes the dispatcher routes (spec §4.3).
type Kind int

const (
	KindGetAttribute Kind = iota
	KindGetAttributeString
	KindSetAttribute
	KindSetAttributeString
	KindDeleteAttribute
	KindCompare
	KindCheck
	KindControl
	KindDestroy
	KindNotify
)

// Message is what every external call becomes before it reaches the
// dispatcher (spec §4.3, §6 "Handle-based ABI").
type Message struct {
	Kind      Kind
	Target    kernel.Handle
	Attribute acl.AttributeID
	Value     acl.Value
	// Verb names the control verb for KindControl messages (hash-data,
	// generate-key, sign, push-data, …).
	Verb string
	Args map[string]any
	// External is false for messages the kernel issues to itself
	// (internal-only capability use); callers crossing the public ABI
	// always set this true.
	External bool
}

// Result is the typed result the dispatcher returns for every message.
type Result struct {
	Value acl.Value
	Data  any
}

// AttributeHandler is implemented by every object payload that exposes
// typed attributes. kernel.Payload stays free of this so the kernel
// package need not import acl (it is a pure object table); the
// dispatcher type-asserts payloads against this richer interface.
type AttributeHandler interface {
	GetAttribute(id acl.AttributeID) (acl.Value, error)
	SetAttribute(id acl.AttributeID, val acl.Value) error
	DeleteAttribute(id acl.AttributeID) error
	// PresentAttributes lists which declared attributes currently hold
	// a value, for cross-attribute constraint evaluation.
	PresentAttributes() map[acl.AttributeID]bool
}

// ControlHandler is implemented by payloads that respond to type-
// specific control verbs (sign, push-data, generate-key, …).
type ControlHandler interface {
	Control(verb string, args map[string]any) (any, error)
	// ControlPermission reports the MessageClass a verb belongs to, so
	// the dispatcher can consult the object's action-permission mask.
	ControlPermission(verb string) (kernel.MessageClass, bool)
}

// Comparable is implemented by payloads supporting the `compare`
// message (constant-time comparison of an internal value with a
// caller-supplied one, spec §4.3).
type Comparable interface {
	CompareAttribute(id acl.AttributeID, val []byte) (bool, error)
}

package dispatch

import (
	"github.com/coreguard/cryptkernel/pkg/acl"
	"github.com/coreguard/cryptkernel/pkg/errs"
	"github.com/coreguard/cryptkernel/pkg/kernel"
	"go.uber.org/zap"
)

// Dispatcher is the single choke point for every API operation (C3,
// spec §4.3). It holds no state of its own beyond references to the
// object table and the compiled ACL engine: all mutable state lives in
// the table's records and their payloads.
type Dispatcher struct {
	Table *kernel.Table
	ACL   *acl.Engine
	log   *zap.Logger
}

func New(table *kernel.Table, engine *acl.Engine, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{Table: table, ACL: engine, log: log}
}

// Dispatch routes one message through the seven steps of spec §4.3.
func (d *Dispatcher) Dispatch(msg Message) (Result, error) {
	var result Result
	err := d.Table.With(msg.Target, func(rec *kernel.Record) error {
		if rec.State == kernel.StateDestroyed {
			return errs.New(errs.NotFound)
		}

		switch msg.Kind {
		case KindGetAttribute, KindGetAttributeString:
			return d.handleGet(rec, msg, &result)
		case KindSetAttribute, KindSetAttributeString:
			return d.handleSet(rec, msg)
		case KindDeleteAttribute:
			return d.handleDelete(rec, msg)
		case KindCompare:
			return d.handleCompare(rec, msg, &result)
		case KindControl:
			return d.handleControl(rec, msg, &result)
		case KindCheck:
			return d.handleCheck(rec, msg, &result)
		case KindNotify:
			return d.handleNotify(rec, msg)
		default:
			return errs.New(errs.ArgumentValue)
		}
	})

	if err != nil {
		d.recordError(msg.Target, err)
	}
	return result, err
}

// Destroy issues a KindDestroy message: it is not routed through
// Table.With (which holds the object's refcount open for the
// duration) because Destroy's own busy/refcount semantics in
// kernel.Table already implement spec §4.3 step 7 and §5's
// non-blocking busy behaviour.
func (d *Dispatcher) Destroy(h kernel.Handle) error {
	err := d.Table.Destroy(h)
	if err != nil {
		d.recordError(h, err)
	}
	return err
}

func (d *Dispatcher) handleGet(rec *kernel.Record, msg Message, result *Result) error {
	op := acl.OpReadExternal
	if !msg.External {
		op = acl.OpRead
	}
	if err := d.ACL.Check(rec, msg.Attribute, op, acl.Value{}, msg.External); err != nil {
		return err
	}
	handler, ok := rec.Payload.(AttributeHandler)
	if !ok {
		return errs.New(errs.NotAvailable)
	}
	val, err := handler.GetAttribute(msg.Attribute)
	if err != nil {
		return err
	}
	result.Value = val
	return nil
}

func (d *Dispatcher) handleSet(rec *kernel.Record, msg Message) error {
	op := acl.OpWriteExternal
	if !msg.External {
		op = acl.OpWriteInternal
	}
	if err := d.ACL.Check(rec, msg.Attribute, op, msg.Value, msg.External); err != nil {
		return err
	}
	handler, ok := rec.Payload.(AttributeHandler)
	if !ok {
		return errs.New(errs.NotAvailable)
	}
	if err := handler.SetAttribute(msg.Attribute, msg.Value); err != nil {
		return err
	}
	if info, ok := d.ACL.Info(msg.Attribute); ok && len(info.Constraints) > 0 {
		if err := acl.CheckAll(info.Constraints, handler.PresentAttributes()); err != nil {
			return err
		}
	}
	if info, ok := d.ACL.Info(msg.Attribute); ok && info.ResetsStateTo != kernel.StateUninitialised {
		rec.State = info.ResetsStateTo
	}
	return nil
}

func (d *Dispatcher) handleDelete(rec *kernel.Record, msg Message) error {
	if err := d.ACL.Check(rec, msg.Attribute, acl.OpDelete, acl.Value{}, msg.External); err != nil {
		return err
	}
	handler, ok := rec.Payload.(AttributeHandler)
	if !ok {
		return errs.New(errs.NotAvailable)
	}
	return handler.DeleteAttribute(msg.Attribute)
}

// handleCompare implements the `compare` message: a constant-time
// comparison of an internal value against a caller-supplied one, used
// for fingerprints and hashes (spec §4.3) so timing cannot leak how
// many leading bytes matched.
func (d *Dispatcher) handleCompare(rec *kernel.Record, msg Message, result *Result) error {
	cmp, ok := rec.Payload.(Comparable)
	if !ok {
		return errs.New(errs.NotAvailable)
	}
	match, err := cmp.CompareAttribute(msg.Attribute, msg.Value.Binary)
	if err != nil {
		return err
	}
	result.Value = acl.Value{Boolean: match}
	return nil
}

func (d *Dispatcher) handleControl(rec *kernel.Record, msg Message, result *Result) error {
	ctl, ok := rec.Payload.(ControlHandler)
	if !ok {
		return errs.New(errs.NotAvailable)
	}
	class, known := ctl.ControlPermission(msg.Verb)
	if !known {
		return errs.New(errs.NotAvailable)
	}
	level := rec.Permissions.Level(class)
	if level == kernel.PermForbidden {
		return errs.New(errs.Permission)
	}
	if level == kernel.PermInternalOnly && msg.External {
		return errs.New(errs.Permission)
	}

	data, err := ctl.Control(msg.Verb, msg.Args)
	if err != nil {
		return err
	}
	result.Data = data
	return nil
}

// handleCheck answers a capability query ("can this object act as a
// signing key?") without performing the operation.
func (d *Dispatcher) handleCheck(rec *kernel.Record, msg Message, result *Result) error {
	ctl, ok := rec.Payload.(ControlHandler)
	if !ok {
		result.Value = acl.Value{Boolean: false}
		return nil
	}
	class, known := ctl.ControlPermission(msg.Verb)
	result.Value = acl.Value{Boolean: known && rec.Permissions.Level(class) != kernel.PermForbidden}
	return nil
}

// handleNotify implements the ref-count/busy/resume control channel
// (spec §4.3 "notify"): it is the one message kind allowed to mutate
// Record.State/Suspended directly rather than through a payload.
func (d *Dispatcher) handleNotify(rec *kernel.Record, msg Message) error {
	switch msg.Verb {
	case "busy":
		rec.State = kernel.StateBusy
		rec.Suspended = true
	case "resume":
		if rec.State == kernel.StateBusy {
			rec.State = kernel.StateReady
		}
		rec.Suspended = false
	case "retain":
		rec.RefCount++
	case "release":
		if rec.RefCount > 0 {
			rec.RefCount--
		}
	default:
		return errs.New(errs.ArgumentValue)
	}
	return nil
}

func (d *Dispatcher) recordError(h kernel.Handle, err error) {
	var kerr *errs.Error
	if e, ok := err.(*errs.Error); ok {
		kerr = e
	} else {
		kerr = errs.Wrap(errs.Internal, "", err)
	}
	d.Table.SetError(h, kerr.Kind, kerr.Locus)
	d.log.Warn("dispatch failed",
		zap.Uint32("handle", uint32(h)),
		zap.String("kind", kerr.Kind.String()),
		zap.String("locus", kerr.Locus),
	)
}

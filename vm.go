package webvh

import (
	"context"
	"fmt"
	"slices"
)

// KeyBinder associates a public key with a key identifier in the wallet
// that will later sign with it.
type KeyBinder interface {
	BindKeyID(ctx context.Context, multikey, kid string) error
}

func NewMultikeyMethod(controller, multikey string) VerificationMethod {
	return VerificationMethod{
		ID:                 controller + "#" + multikey,
		Type:               multikeyVMType,
		Controller:         controller,
		PublicKeyMultibase: &multikey,
	}
}

// AppendVerificationMethod returns a copy of doc with vm listed under
// verificationMethod and referenced from authentication and
// assertionMethod. The multikey context is added once.
func AppendVerificationMethod(doc Document, vm VerificationMethod) Document {
	out := doc

	out.Context = slices.Clone(doc.Context)
	if !out.HasContext(CtxMultikeyV1) {
		out.Context = append(out.Context, CtxMultikeyV1)
	}

	out.Authentication = append(slices.Clone(doc.Authentication), vm.ID)
	out.AssertionMethod = append(slices.Clone(doc.AssertionMethod), vm.ID)
	out.VerificationMethod = append(slices.Clone(doc.VerificationMethod), vm)

	return out
}

// BindKey builds the Multikey verification method for multikey, has the
// wallet bind it under the method id, and appends it to doc. doc is
// returned unchanged when the binding fails.
func BindKey(ctx context.Context, binder KeyBinder, doc Document, controllerID, multikey string) (VerificationMethod, Document, error) {
	if _, err := KeyFromMultibase(multikey); err != nil {
		return VerificationMethod{}, doc, fmt.Errorf("invalid multikey %q: %w", multikey, err)
	}

	vm := NewMultikeyMethod(controllerID, multikey)
	if err := binder.BindKeyID(ctx, multikey, vm.ID); err != nil {
		return VerificationMethod{}, doc, fmt.Errorf("binding key id %s: %w", vm.ID, err)
	}

	return vm, AppendVerificationMethod(doc, vm), nil
}

package eap

import (
	"fmt"
	"strings"
)

// Descriptor describes a registered method.
type Descriptor struct {
	Ref  MethodRef
	Name string
	// Outer is set for methods that may run unencapsulated. Methods that
	// are only secure inside a tunnel leave it unset and are never selected
	// as the outer method nor offered in a Nak.
	Outer bool
	// New creates a method instance (init).
	New func(env *Env) (Method, error)
	// Check reports whether the local configuration allows the method,
	// e.g. whether the credentials it needs are present. Optional.
	Check func(creds Credentials) error
}

// Allowed runs the descriptor's credential check.
func (d *Descriptor) Allowed(creds Credentials) error {
	if d.Check == nil {
		return nil
	}
	return d.Check(creds)
}

// Registry maps method references to descriptors. Registration order is
// preserved and used as preference order.
type Registry struct {
	order []*Descriptor
	byRef map[MethodRef]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byRef: make(map[MethodRef]*Descriptor)}
}

// Register adds a method. Registering the same reference twice fails.
func (r *Registry) Register(d Descriptor) error {
	if d.New == nil || d.Name == "" || d.Ref.IsNone() {
		return fmt.Errorf("%w: %q", ErrInvalidDescriptor, d.Name)
	}
	if _, ok := r.byRef[d.Ref]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, d.Ref)
	}
	for _, o := range r.order {
		if strings.EqualFold(o.Name, d.Name) {
			return fmt.Errorf("%w: name %q", ErrDuplicateMethod, d.Name)
		}
	}
	desc := d
	r.order = append(r.order, &desc)
	r.byRef[d.Ref] = &desc
	return nil
}

// Lookup returns the descriptor registered for ref.
func (r *Registry) Lookup(ref MethodRef) (*Descriptor, bool) {
	d, ok := r.byRef[ref]
	return d, ok
}

// LookupName returns the descriptor with the given name, ignoring case.
func (r *Registry) LookupName(name string) (*Descriptor, bool) {
	for _, d := range r.order {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return nil, false
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

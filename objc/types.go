// Package objc reconstructs Objective-C runtime metadata (classes,
// categories, protocols, selectors, ivars) from a parsed Mach-O slice, and
// performs function-level control-flow and register-taint analysis over
// ARM64 code.
package objc

import (
	"go.uber.org/zap"
)

// Log is the package-level logger, silent by default. Malformed individual
// records (a class whose class_ro_t pointer is unreadable, a category
// whose category_t or name cannot be read) are skipped with
// a debug-level log rather than surfaced as errors, per spec §7's
// best-effort propagation policy for downstream components.
var Log = zap.NewNop().Sugar()

// Selector is an Obj-C method name plus its implementation address.
type Selector struct {
	Name                  string
	ImplementationAddress uint64
}

// ArgumentCount returns the number of Obj-C arguments beyond self and
// _cmd, equal to the number of colons in the selector name.
func (s Selector) ArgumentCount() int {
	n := 0
	for _, c := range s.Name {
		if c == ':' {
			n++
		}
	}
	return n
}

// Ivar is a parsed instance variable.
type Ivar struct {
	Name         string
	TypeEncoding string
	FieldOffset  uint64
}

// Protocol is a parsed Obj-C protocol.
type Protocol struct {
	Name      string
	Selectors []Selector
}

// ClassLike is the tagged-variant accessor shared by Class and Category,
// per spec §9's "tagged variant ObjcClassLike" design note.
type ClassLike interface {
	ClassName() string
	Selectors() []Selector
	Protocols() []Protocol
}

// Class is a parsed Obj-C class (or metaclass).
type Class struct {
	Name        string
	SuperName   string
	IsMetaclass bool
	Ivars       []Ivar
	ProtocolList []Protocol
	SelectorList []Selector

	// VMAddr is the class structure's own virtual address, used to resolve
	// category base-class references against the already-parsed
	// classlist (SPEC_FULL.md §7.6).
	VMAddr uint64
}

func (c *Class) ClassName() string       { return c.Name }
func (c *Class) Selectors() []Selector   { return c.SelectorList }
func (c *Class) Protocols() []Protocol   { return c.ProtocolList }

// Category is a parsed Obj-C category: a construct adding methods to an
// existing class without subclassing it.
type Category struct {
	Name          string
	CategoryName  string
	BaseClassName string
	ProtocolList  []Protocol
	SelectorList  []Selector
}

func (c *Category) ClassName() string     { return c.BaseClassName }
func (c *Category) Selectors() []Selector { return c.SelectorList }
func (c *Category) Protocols() []Protocol { return c.ProtocolList }

var (
	_ ClassLike = (*Class)(nil)
	_ ClassLike = (*Category)(nil)
)

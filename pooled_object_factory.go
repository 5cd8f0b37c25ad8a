package pool

// DestroyReason tells a factory's DestroyObject why the entry is being
// destroyed (§6). Most destroys are Normal; the abandoned-object
// tracker passes AbandonedReason so a factory that wants to, say, log
// differently for a leak can distinguish the two.
type DestroyReason int

const (
	Normal DestroyReason = iota
	AbandonedReason
)

func (r DestroyReason) String() string {
	if r == AbandonedReason {
		return "Abandoned"
	}
	return "Normal"
}

// PooledObjectFactory is the capability set a caller must implement to
// hand instances of a particular resource type to an ObjectPool (§6).
// Out of scope per §1: the concrete factories themselves are provided
// by the caller, not this library.
type PooledObjectFactory interface {
	// MakeObject creates a new instance, wrapped in a fresh PooledObject.
	MakeObject() (*PooledObject, error)
	// DestroyObject releases any resources owned by the wrapped
	// instance. reason distinguishes a normal destroy from one
	// triggered by abandoned-object reclamation.
	DestroyObject(object *PooledObject, reason DestroyReason) error
	// ValidateObject reports whether the wrapped instance is still
	// usable.
	ValidateObject(object *PooledObject) bool
	// ActivateObject prepares a previously-idle instance for reuse.
	ActivateObject(object *PooledObject) error
	// PassivateObject prepares an instance to be returned to idle.
	PassivateObject(object *PooledObject) error
}

// BaseFactory is an embeddable no-op PooledObjectFactory: ValidateObject
// defaults to true and every lifecycle hook defaults to a no-op, so a
// caller that only needs MakeObject can embed BaseFactory and override
// just that.
type BaseFactory struct{}

func (BaseFactory) DestroyObject(*PooledObject, DestroyReason) error { return nil }
func (BaseFactory) ValidateObject(*PooledObject) bool                { return true }
func (BaseFactory) ActivateObject(*PooledObject) error                { return nil }
func (BaseFactory) PassivateObject(*PooledObject) error                { return nil }

// KeyedPooledObjectFactory is the keyed-pool counterpart of
// PooledObjectFactory: every operation takes the key the sub-pool is
// keyed on (§6).
type KeyedPooledObjectFactory interface {
	MakeObject(key interface{}) (*PooledObject, error)
	DestroyObject(key interface{}, object *PooledObject, reason DestroyReason) error
	ValidateObject(key interface{}, object *PooledObject) bool
	ActivateObject(key interface{}, object *PooledObject) error
	PassivateObject(key interface{}, object *PooledObject) error
}

// BaseKeyedFactory mirrors BaseFactory for the keyed shape.
type BaseKeyedFactory struct{}

func (BaseKeyedFactory) DestroyObject(interface{}, *PooledObject, DestroyReason) error { return nil }
func (BaseKeyedFactory) ValidateObject(interface{}, *PooledObject) bool                { return true }
func (BaseKeyedFactory) ActivateObject(interface{}, *PooledObject) error                { return nil }
func (BaseKeyedFactory) PassivateObject(interface{}, *PooledObject) error                { return nil }

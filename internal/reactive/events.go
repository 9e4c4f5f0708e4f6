package reactive

import "fmt"

// AddRemove tags a set delta. The ordinals are part of the wire format.
type AddRemove int

const (
	Add AddRemove = iota
	Remove
)

func (k AddRemove) String() string {
	if k == Add {
		return "Add"
	}
	return "Remove"
}

// SetEvent is a single set delta.
type SetEvent[T any] struct {
	Kind  AddRemove
	Value T
}

func (e SetEvent[T]) String() string {
	return fmt.Sprintf("%s %v", e.Kind, e.Value)
}

// CollectionOp tags list and map changes.
type CollectionOp int

const (
	OpAdd CollectionOp = iota
	OpUpdate
	OpRemove
)

func (o CollectionOp) String() string {
	switch o {
	case OpAdd:
		return "Add"
	case OpUpdate:
		return "Update"
	case OpRemove:
		return "Remove"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// ListEvent describes a change at Index. Old is set for Update and Remove,
// New for Add and Update.
type ListEvent[T any] struct {
	Op    CollectionOp
	Index int
	Old   T
	New   T
}

func (e ListEvent[T]) String() string {
	switch e.Op {
	case OpAdd:
		return fmt.Sprintf("Add %d:%v", e.Index, e.New)
	case OpUpdate:
		return fmt.Sprintf("Update %d:%v", e.Index, e.New)
	default:
		return fmt.Sprintf("Remove %d", e.Index)
	}
}

// MapEvent describes a change of Key. Old is set for Update and Remove,
// New for Add and Update.
type MapEvent[K comparable, V any] struct {
	Op  CollectionOp
	Key K
	Old V
	New V
}

func (e MapEvent[K, V]) String() string {
	switch e.Op {
	case OpAdd:
		return fmt.Sprintf("Add %v:%v", e.Key, e.New)
	case OpUpdate:
		return fmt.Sprintf("Update %v:%v", e.Key, e.New)
	default:
		return fmt.Sprintf("Remove %v", e.Key)
	}
}

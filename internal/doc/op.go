package doc

import (
	"encoding/json"
	"fmt"
)

// OpKind distinguishes the two operation kinds.
type OpKind uint8

const (
	// OpInsert introduces one new Unit.
	OpInsert OpKind = iota + 1
	// OpDelete tombstones an existing Unit.
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// MarshalJSON encodes the kind as its wire name.
func (k OpKind) MarshalJSON() ([]byte, error) {
	switch k {
	case OpInsert, OpDelete:
		return json.Marshal(k.String())
	default:
		return nil, fmt.Errorf("unknown op kind %d", uint8(k))
	}
}

// UnmarshalJSON decodes a wire name back into a kind.
func (k *OpKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "insert":
		*k = OpInsert
	case "delete":
		*k = OpDelete
	default:
		return fmt.Errorf("unknown op kind %q", s)
	}
	return nil
}

// Op is an immutable document operation.
//
// Every op carries its own ID minted from the author's clock - deletes
// included - so the state vector covers both kinds and Diff can replay
// exactly the missing tail for any peer.
//
// Insert ops: ID doubles as the new Unit's ID; Value holds the character;
// Left/Right are the origin references (nil = document boundary).
// Delete ops: Target names the Unit to tombstone.
type Op struct {
	Kind   OpKind `json:"kind"`
	ID     ID     `json:"id"`
	Value  string `json:"value,omitempty"`
	Left   *ID    `json:"left,omitempty"`
	Right  *ID    `json:"right,omitempty"`
	Target *ID    `json:"target,omitempty"`
}

// Validate checks structural well-formedness (not applicability).
func (op Op) Validate() error {
	if op.ID.Client == "" || op.ID.Seq == 0 {
		return fmt.Errorf("op missing id")
	}
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return fmt.Errorf("insert %s missing value", op.ID)
		}
		if op.Target != nil {
			return fmt.Errorf("insert %s carries a delete target", op.ID)
		}
	case OpDelete:
		if op.Target == nil {
			return fmt.Errorf("delete %s missing target", op.ID)
		}
	default:
		return fmt.Errorf("op %s has unknown kind %d", op.ID, uint8(op.Kind))
	}
	return nil
}

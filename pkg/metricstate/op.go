package metricstate

import (
	"fmt"

	"github.com/google/uuid"
)

type OpType uint8

const (
	RecordOp OpType = iota + 1
	DeleteOp
)

// Op is the unit of consensus: an opaque payload for the replicated log,
// decoded and interpreted only after commit.
type Op struct {
	Type  OpType    `json:"op"`
	Name  string    `json:"name"`
	Value float64   `json:"value,omitempty"`
	ID    uuid.UUID `json:"id"`
}

func NewRecord(name string, value float64) Op {
	return Op{
		Type:  RecordOp,
		Name:  name,
		Value: value,
		ID:    uuid.New(),
	}
}

func NewDelete(name string) Op {
	return Op{
		Type: DeleteOp,
		Name: name,
		ID:   uuid.New(),
	}
}

func (o Op) Validate() error {
	switch o.Type {
	case RecordOp, DeleteOp:
		if o.Name == "" {
			return fmt.Errorf("invalid operation: empty metric name")
		}
	default:
		return fmt.Errorf("unknown operation type: %d", o.Type)
	}
	return nil
}

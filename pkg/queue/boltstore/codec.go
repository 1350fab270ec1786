package boltstore

import (
	"fmt"

	"github.com/reportive/synckit/internal/codec"
	"github.com/reportive/synckit/pkg/queue"
)

var records = codec.NewJSON()

func marshalOp(op *queue.Operation) ([]byte, error) {
	data, err := records.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("boltstore: failed to marshal operation: %w", err)
	}
	return data, nil
}

func unmarshalOp(data []byte) (*queue.Operation, error) {
	op := &queue.Operation{}
	if err := records.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("boltstore: failed to unmarshal operation: %w", err)
	}
	return op, nil
}

func marshalFailed(f *queue.FailedOperation) ([]byte, error) {
	data, err := records.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("boltstore: failed to marshal dead letter: %w", err)
	}
	return data, nil
}

func unmarshalFailed(data []byte) (*queue.FailedOperation, error) {
	f := &queue.FailedOperation{}
	if err := records.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("boltstore: failed to unmarshal dead letter: %w", err)
	}
	return f, nil
}

package optimistic

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/reportive/synckit/pkg/api"
)

// Prev captures what a record looked like before a mutation was applied,
// which is exactly what inverting that mutation needs.
type Prev struct {
	Payload json.RawMessage
	Existed bool
}

// Apply is the single canonical reducer: it applies m to the entity's
// record set in place and returns the prior record state. Every
// projected state change in the engine goes through Apply, so rollback
// via Invert is always the exact inverse of what was applied.
//
// Create inserts the payload as the record. Update merges the payload's
// top-level fields into the existing record (an update on a missing
// record inserts the payload). Delete removes the record.
func Apply(records map[string]json.RawMessage, m api.Mutation) (Prev, error) {
	old, existed := records[m.RecordID]
	prev := Prev{Payload: old, Existed: existed}

	switch m.Kind {
	case api.KindCreate:
		records[m.RecordID] = m.Payload
	case api.KindUpdate:
		if !existed {
			records[m.RecordID] = m.Payload
			return prev, nil
		}
		merged, err := mergeFields(old, m.Payload)
		if err != nil {
			return Prev{}, err
		}
		records[m.RecordID] = merged
	case api.KindDelete:
		delete(records, m.RecordID)
	default:
		return Prev{}, fmt.Errorf("optimistic: unknown mutation kind %q", m.Kind)
	}
	return prev, nil
}

// Invert returns the mutation that restores the state captured in prev:
// create inverts to delete, delete to create-with-previous-payload, and
// update to update-with-previous-values.
func Invert(m api.Mutation, prev Prev) (api.Mutation, error) {
	inv := api.Mutation{Entity: m.Entity, RecordID: m.RecordID}

	switch m.Kind {
	case api.KindCreate:
		inv.Kind = api.KindDelete
	case api.KindUpdate:
		if !prev.Existed {
			inv.Kind = api.KindDelete
			return inv, nil
		}
		inv.Kind = api.KindUpdate
		inv.Payload = prev.Payload
	case api.KindDelete:
		inv.Kind = api.KindCreate
		inv.Payload = prev.Payload
	default:
		return api.Mutation{}, fmt.Errorf("optimistic: unknown mutation kind %q", m.Kind)
	}
	return inv, nil
}

func mergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst map[string]any
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("optimistic: existing record is not an object: %w", err)
	}
	var src map[string]any
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("optimistic: update payload is not an object: %w", err)
	}
	for k, v := range src {
		dst[k] = v
	}
	merged, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("optimistic: failed to encode merged record: %w", err)
	}
	return merged, nil
}

// Projection is the optimistic local view of entity records. The engine
// owns it; readers get copies.
type Projection struct {
	mu       sync.RWMutex
	entities map[string]map[string]json.RawMessage
}

func NewProjection() *Projection {
	return &Projection{entities: make(map[string]map[string]json.RawMessage)}
}

// apply routes a mutation through the reducer.
func (p *Projection) apply(m api.Mutation) (Prev, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, ok := p.entities[m.Entity]
	if !ok {
		records = make(map[string]json.RawMessage)
		p.entities[m.Entity] = records
	}
	return Apply(records, m)
}

// restore undoes a previously applied mutation using its recorded prior
// state.
func (p *Projection) restore(m api.Mutation, prev Prev) {
	p.mu.Lock()
	defer p.mu.Unlock()

	records, ok := p.entities[m.Entity]
	if !ok {
		records = make(map[string]json.RawMessage)
		p.entities[m.Entity] = records
	}
	if prev.Existed {
		records[m.RecordID] = prev.Payload
	} else {
		delete(records, m.RecordID)
	}
}

// Record returns the projected payload for one record.
func (p *Projection) Record(entity, recordID string) (json.RawMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	records, ok := p.entities[entity]
	if !ok {
		return nil, false
	}
	payload, ok := records[recordID]
	return payload, ok
}

// Records returns a copy of all projected records for an entity.
func (p *Projection) Records(entity string) map[string]json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(p.entities[entity]))
	for id, payload := range p.entities[entity] {
		out[id] = payload
	}
	return out
}

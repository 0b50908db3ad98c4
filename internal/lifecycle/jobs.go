// ABOUTME: Job payloads and queue handlers for the lifecycle steps
// ABOUTME: Decodes launch, check_state and terminate jobs into orchestrator calls

package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/minecloud/internal/jobs"
	"github.com/2389/minecloud/internal/store"
)

// InstancePayload identifies the instance for launch and terminate jobs.
type InstancePayload struct {
	InstanceID string `json:"instance_id"`
}

// CheckStatePayload carries the attempt counter between reschedules.
type CheckStatePayload struct {
	InstanceID string              `json:"instance_id"`
	Expected   store.InstanceState `json:"expected"`
	Attempt    int                 `json:"attempt"`
}

// Registrar accepts job handlers. jobs.Queue implements it.
type Registrar interface {
	Register(kind string, h jobs.Handler)
}

// RegisterHandlers wires the orchestrator's steps into the queue.
func (o *Orchestrator) RegisterHandlers(r Registrar) {
	r.Register(KindLaunch, func(ctx context.Context, raw json.RawMessage) error {
		p, err := decodeInstance(raw)
		if err != nil {
			return err
		}
		return o.Launch(ctx, p.InstanceID)
	})

	r.Register(KindTerminate, func(ctx context.Context, raw json.RawMessage) error {
		p, err := decodeInstance(raw)
		if err != nil {
			return err
		}
		return o.Terminate(ctx, p.InstanceID)
	})

	r.Register(KindCheckState, func(ctx context.Context, raw json.RawMessage) error {
		var p CheckStatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decoding check_state payload: %w", err)
		}
		if p.InstanceID == "" || !p.Expected.Valid() {
			return fmt.Errorf("invalid check_state payload %s", raw)
		}
		return o.CheckState(ctx, p.InstanceID, p.Expected, p.Attempt)
	})
}

func decodeInstance(raw json.RawMessage) (InstancePayload, error) {
	var p InstancePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decoding payload: %w", err)
	}
	if p.InstanceID == "" {
		return p, fmt.Errorf("payload missing instance_id")
	}
	return p, nil
}

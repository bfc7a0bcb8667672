package dispatch

import (
	"context"

	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/types"
)

// Result is the data plane's answer for one plan step.
type Result string

const (
	Ack     Result = "ACK"
	Nack    Result = "NACK"
	Timeout Result = "TIMEOUT"
)

// StepResult reports the outcome of one dispatched step.
type StepResult struct {
	Ref    types.EntityRef `json:"ref"`
	Result Result          `json:"result"`
	Reason string          `json:"reason,omitempty"`
}

// DataPlane is the proxy-side collaborator.
//
// Apply replaces the listener's whole configuration with the plan's
// dispatchable steps and streams one result per step, closing the channel
// when done. Implementations must stop sending once ctx is done. An error
// wrapping types.ErrNack rejects every step; any other error is treated as
// a timeout of the attempt.
//
// Retract confirms the given entities are gone from the data plane. An
// error is retried and, after the retry budget, the entities are purged
// anyway.
type DataPlane interface {
	Apply(ctx context.Context, plan *rules.Plan) (<-chan StepResult, error)
	Retract(ctx context.Context, listener types.ListenerID, refs []types.EntityRef) error
}

// DigestReporter is implemented by data planes that can report the digest
// of the plan they currently run. It is used for drift detection.
type DigestReporter interface {
	AppliedDigest(ctx context.Context, listener types.ListenerID) (string, error)
}

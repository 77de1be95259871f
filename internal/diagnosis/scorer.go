package diagnosis

import (
	"context"
	"encoding/json"
)

// Scorer turns one raw provider answer into the opaque scored payload stored
// on the cell. The engine never looks inside the payload.
type Scorer interface {
	Score(ctx context.Context, brand, answer string) (json.RawMessage, error)
}

// ScorerSelector resolves the scorer for an execution's scoring version. The
// version is decided once at execution start (rollout config) and never
// changes mid-run.
type ScorerSelector interface {
	ForVersion(version string) Scorer
}

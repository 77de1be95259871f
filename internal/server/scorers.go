package server

import (
	"context"
	"encoding/json"

	"github.com/brandlens/brandlens/internal/diagnosis"
	"github.com/brandlens/brandlens/internal/scoring"
)

// scorerSelector bridges the scoring collaborator into the engine's opaque
// payload contract.
type scorerSelector struct{}

func (scorerSelector) ForVersion(version string) diagnosis.Scorer {
	return scorerAdapter{inner: scoring.ForVersion(version)}
}

type scorerAdapter struct {
	inner scoring.Scorer
}

func (a scorerAdapter) Score(ctx context.Context, brand, answer string) (json.RawMessage, error) {
	res, err := a.inner.Score(ctx, brand, answer)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

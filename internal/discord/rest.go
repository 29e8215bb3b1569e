package discord

import (
	"context"

	"github.com/disgoorg/disgo/rest"
)

// withContext threads a context through disgo REST calls.
func withContext(ctx context.Context) []rest.RequestOpt {
	return []rest.RequestOpt{rest.WithCtx(ctx)}
}

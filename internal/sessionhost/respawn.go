package sessionhost

import (
	"context"
	"fmt"
)

// RespawnStatus is the outcome of a respawn attempt.
type RespawnStatus string

const (
	RespawnAlreadyAlive RespawnStatus = "already_alive"
	RespawnRespawned    RespawnStatus = "respawned"
	RespawnError        RespawnStatus = "error"
)

// RespawnResult reports the outcome and the updated respawn counter.
type RespawnResult struct {
	Status       RespawnStatus
	RespawnCount int
	Reason       string
}

// Respawn recreates a dead session, never exceeding maxRespawn recreations.
// A session that is still alive is left untouched.
func Respawn(ctx context.Context, host Host, spec SpawnSpec, respawnCount, maxRespawn int) RespawnResult {
	alive, err := host.IsAlive(ctx, spec.Name)
	if err != nil {
		return RespawnResult{
			Status:       RespawnError,
			RespawnCount: respawnCount,
			Reason:       fmt.Sprintf("liveness check failed: %v", err),
		}
	}
	if alive {
		return RespawnResult{Status: RespawnAlreadyAlive, RespawnCount: respawnCount}
	}

	if respawnCount >= maxRespawn {
		return RespawnResult{
			Status:       RespawnError,
			RespawnCount: respawnCount,
			Reason: fmt.Sprintf("respawn cap reached for session %s (%d/%d)",
				spec.Name, respawnCount, maxRespawn),
		}
	}

	if err := host.Spawn(ctx, spec); err != nil {
		return RespawnResult{
			Status:       RespawnError,
			RespawnCount: respawnCount,
			Reason:       fmt.Sprintf("spawn failed: %v", err),
		}
	}
	return RespawnResult{Status: RespawnRespawned, RespawnCount: respawnCount + 1}
}

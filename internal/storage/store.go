package storage

import "context"

// Store persists generated artifacts under append-only, per-job key paths.
// Writes happen before the job record that references them, so a crash
// between the two never leaves a dangling reference.
type Store interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

package port

import "context"

type SubmissionGuard interface {
	// Acquire claims an idempotency key, returns false if already claimed
	Acquire(ctx context.Context, key string) (bool, error)

	// Release frees a key so a rejected submission can be retried
	Release(ctx context.Context, key string) error
}

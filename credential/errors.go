package credential

import "github.com/Laisky/errors/v2"

var (
	// ErrNoHealthyCredential is returned when every credential in the pool
	// is disabled or over its failure-count threshold.
	ErrNoHealthyCredential = errors.New("no healthy credential available")

	// ErrDuplicateCredential is returned by Add when a credential with the
	// same refreshTokenHash already exists in the pool.
	ErrDuplicateCredential = errors.New("credential already exists (duplicate refreshToken)")
)

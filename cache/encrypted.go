package cache

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/nightjarhq/blobcache/protect"
)

// NewEncrypted returns a persistent Cache whose payloads are run through p
// on the way to and from the store: Protect as the pre-write transform,
// Unprotect as the post-read transform. Zero-length payloads bypass the
// transform; protecting an empty buffer is undefined on some platforms.
func NewEncrypted(path string, p protect.Protector, opts ...Option) (Cache, error) {
	if p == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil protector")
	}
	pre := func(b []byte) ([]byte, error) {
		if len(b) == 0 {
			return b, nil
		}
		out, err := p.Protect(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtection, err)
		}
		return out, nil
	}
	post := func(b []byte) ([]byte, error) {
		if len(b) == 0 {
			return b, nil
		}
		out, err := p.Unprotect(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtection, err)
		}
		return out, nil
	}
	return New(path, append(opts, WithTransforms(pre, post))...)
}

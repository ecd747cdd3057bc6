package board

import (
	"context"
	"errors"

	"github.com/basket/opsboard/internal/persistence"
)

// ReplayOnce makes every mutation run twice: the first attempt is rolled
// back the way a busy retry would be.
func ReplayOnce(b *Board) {
	errReplay := errors.New("replay")
	b.inTx = func(ctx context.Context, fn func(tx *persistence.Store) error) error {
		err := b.store.InTx(ctx, func(tx *persistence.Store) error {
			if err := fn(tx); err != nil {
				return err
			}
			return errReplay
		})
		if !errors.Is(err, errReplay) {
			return err
		}
		return b.store.InTx(ctx, fn)
	}
}

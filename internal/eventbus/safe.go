package eventbus

import (
	"fmt"
)

// RunSafely executes fn and converts panics into returned errors tagged with scope.
// It is used at goroutine and callback boundaries so a misbehaving consumer
// cannot take the session down.
func RunSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("%s: panic recovered: %v", scope, recovered)
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}

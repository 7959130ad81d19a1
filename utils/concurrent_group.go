package utils

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ConcurrentGroup is like errgroup.Group but differs in that an error in one
// goroutine will not interrupt the functioning of another.
// See https://pkg.go.dev/golang.org/x/sync/errgroup#Group.Go.
type ConcurrentGroup struct {
	wg sync.WaitGroup

	errsMu sync.Mutex
	errs   []error
}

func NewConcurrentGroup() *ConcurrentGroup {
	return &ConcurrentGroup{}
}

func (c *ConcurrentGroup) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := fn()
		if err == nil {
			return
		}
		c.errsMu.Lock()
		defer c.errsMu.Unlock()
		c.errs = append(c.errs, err)
	}()
}

// Wait blocks until all goroutines started via [ConcurrentGroup.Go] have
// returned, then reports their errors (if any) as a single aggregate.
func (c *ConcurrentGroup) Wait() error {
	c.wg.Wait()

	c.errsMu.Lock()
	defer c.errsMu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return multierror.Append(nil, c.errs...)
}

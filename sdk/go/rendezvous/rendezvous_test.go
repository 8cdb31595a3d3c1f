// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"errors"
	"sync"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&BarrierSuite{})

type BarrierSuite struct{}

var (
	errTimeout = errors.New("timed out")
	errReuse   = errors.New("already used")
)

func (s *BarrierSuite) TestAllArrive(c *check.C) {
	b := New(3)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Arrive(time.Minute, errTimeout, errReuse)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		c.Check(err, check.IsNil)
	}
	c.Check(b.Arrived(), check.Equals, 3)
}

func (s *BarrierSuite) TestReuseAfterCompletion(c *check.C) {
	b := New(1)
	c.Check(b.Arrive(time.Minute, errTimeout, errReuse), check.IsNil)
	c.Check(b.Arrive(time.Minute, errTimeout, errReuse), check.Equals, errReuse)
}

func (s *BarrierSuite) TestTimeoutPoisons(c *check.C) {
	b := New(2)
	c.Check(b.Arrive(time.Millisecond, errTimeout, errReuse), check.Equals, errTimeout)
	// Late arrival fails fast with the poison error rather than
	// waiting out its own (long) timeout.
	t0 := time.Now()
	c.Check(b.Arrive(time.Minute, errTimeout, errReuse), check.Equals, errTimeout)
	c.Check(time.Since(t0) < 10*time.Second, check.Equals, true)
}

func (s *BarrierSuite) TestPoisonWakesWaiters(c *check.C) {
	b := New(2)
	errPoison := errors.New("session aborted")
	done := make(chan error, 1)
	go func() {
		done <- b.Arrive(time.Minute, errTimeout, errReuse)
	}()
	for b.Arrived() == 0 {
		time.Sleep(time.Millisecond)
	}
	b.Poison(errPoison)
	select {
	case err := <-done:
		c.Check(err, check.Equals, errPoison)
	case <-time.After(10 * time.Second):
		c.Fatal("waiter not woken by Poison")
	}
}

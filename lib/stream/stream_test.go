// Copyright (C) The Meshrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&StreamSuite{})

type StreamSuite struct{}

func (s *StreamSuite) TestInOrderExecution(c *check.C) {
	dev := NewDevice(0)
	st := dev.NewStream()
	defer st.Close()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		st.Enqueue(func() error {
			got = append(got, i)
			return nil
		})
	}
	c.Assert(st.BlockHostUntilDone(), check.IsNil)
	c.Assert(got, check.HasLen, 100)
	for i, v := range got {
		c.Check(v, check.Equals, i)
	}
}

func (s *StreamSuite) TestErrorPoisonsStream(c *check.C) {
	dev := NewDevice(0)
	st := dev.NewStream()
	defer st.Close()
	boom := errors.New("boom")
	ran := false
	st.Enqueue(func() error { return boom })
	st.Enqueue(func() error { ran = true; return nil })
	c.Check(st.BlockHostUntilDone(), check.Equals, boom)
	c.Check(ran, check.Equals, false)
	// The error is sticky.
	c.Check(st.BlockHostUntilDone(), check.Equals, boom)
}

func (s *StreamSuite) TestCrossStreamEvent(c *check.C) {
	dev0, dev1 := NewDevice(0), NewDevice(1)
	producer := dev0.NewStream()
	consumer := dev1.NewStream()
	defer producer.Close()
	defer consumer.Close()

	buf := dev0.Allocate(1)
	release := make(chan struct{})
	producer.Enqueue(func() error {
		<-release
		buf.Data()[0] = 42
		return nil
	})
	ev := producer.RecordEvent()
	consumer.WaitFor(ev)
	var got float64
	consumer.Enqueue(func() error {
		got = buf.Data()[0]
		return nil
	})
	// The consumer can't have read yet.
	time.Sleep(10 * time.Millisecond)
	c.Check(got, check.Equals, 0.0)
	close(release)
	c.Assert(consumer.BlockHostUntilDone(), check.IsNil)
	c.Check(got, check.Equals, 42.0)
}

func (s *StreamSuite) TestBufferSlice(c *check.C) {
	dev := NewDevice(0)
	buf := dev.Allocate(10)
	sl, err := buf.Slice(2, 3)
	c.Assert(err, check.IsNil)
	sl.Data()[0] = 7
	c.Check(buf.Data()[2], check.Equals, 7.0)
	_, err = buf.Slice(8, 5)
	c.Check(err, check.NotNil)
	c.Check(dev.AllocatedBytes(), check.Equals, int64(80))
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAndAdvance(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("Now: got %v, want %v", got, epoch)
	}
	c.Advance(3 * time.Second)
	if got, want := c.Now(), epoch.Add(3*time.Second); !got.Equal(want) {
		t.Errorf("Now after Advance: got %v, want %v", got, want)
	}
}

func TestFakeSleepAdvances(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	c.Sleep(250 * time.Millisecond)
	c.Sleep(0)
	c.Sleep(-time.Second)
	if got, want := c.Now(), epoch.Add(250*time.Millisecond); !got.Equal(want) {
		t.Errorf("Now after Sleep: got %v, want %v", got, want)
	}
}

func TestFakeAfterFiresOnDeadline(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	channel := c.After(time.Second)
	if c.Pending() != 1 {
		t.Fatalf("Pending: got %d, want 1", c.Pending())
	}

	c.Advance(999 * time.Millisecond)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case fired := <-channel:
		if want := epoch.Add(time.Second); !fired.Equal(want) {
			t.Errorf("fire time: got %v, want %v", fired, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending after fire: got %d, want 0", c.Pending())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	deadline := Deadline(c, 3*time.Second)
	if Expired(c, deadline) {
		t.Fatal("deadline expired immediately")
	}
	c.Advance(3 * time.Second)
	if !Expired(c, deadline) {
		t.Error("deadline not expired after advancing to it")
	}
	if Expired(c, time.Time{}) {
		t.Error("zero deadline reported as expired")
	}
}

package atexit_test

import (
	"errors"
	"testing"

	"github.com/bpram/bpfs/internal/atexit"
)

func TestRunCallsRegisteredFuncsInOrderThenRejectsFurtherRegister(t *testing.T) {
	var order []int
	atexit.Register(func() error { order = append(order, 1); return nil })
	atexit.Register(func() error { order = append(order, 2); return nil })

	if err := atexit.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("call order = %v, want [1 2]", order)
	}

	defer func() {
		if recover() == nil {
			t.Error("Register after Run should panic")
		}
	}()
	atexit.Register(func() error { return errors.New("too late") })
}

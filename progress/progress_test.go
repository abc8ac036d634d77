// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package progress_test

import (
	"testing"

	"github.com/archstrap/archstrap/progress"
	"github.com/archstrap/archstrap/progress/progresstest"
)

func TestLoop(t *testing.T) {
	pc := &progresstest.Client{}
	progress.Set(pc)

	prg := progress.NewLoop("Formatting %s", "/dev/sda2")
	prg.Success()

	// a finished loop ignores further notifications
	prg.Failure()

	if len(pc.Descs) != 1 || pc.Descs[0] != "Formatting /dev/sda2" {
		t.Fatalf("Unexpected descriptions: %v", pc.Descs)
	}

	if len(pc.Outcomes) != 1 || pc.Outcomes[0] != "success" {
		t.Fatalf("Unexpected outcomes: %v", pc.Outcomes)
	}
}

func TestMultiStep(t *testing.T) {
	pc := &progresstest.Client{}
	progress.Set(pc)

	prg := progress.MultiStep(3, "Enabling services")
	prg.Partial(1)
	prg.Failure()

	if len(pc.Outcomes) != 1 || pc.Outcomes[0] != "failure" {
		t.Fatalf("Unexpected outcomes: %v", pc.Outcomes)
	}
}

func TestNoImplementation(t *testing.T) {
	progress.Set(nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("NewLoop() should panic without a client")
		}
	}()

	progress.NewLoop("never")
}

package lirc_relay

import (
	"context"
	"testing"

	"github.com/jimsnab/go-lane"
)

func TestLedgerCounts(t *testing.T) {
	l := lane.NewTestingLane(context.Background())

	rl, err := newRelayLedger(l, "")
	if err != nil {
		t.Fatal(err)
	}

	for _, line := range []string{
		"SEND_ONCE tv power 1\n",
		"SEND_ONCE tv power 1\n",
		"SEND_ONCE amp mute 1\n",
		"LIST\n",
		"LIST tv\n",
		"VERSION\n",
	} {
		cmd, err := rewriteCommand([]byte(line), make([]byte, 0, 4096))
		if err != nil {
			t.Fatal(err)
		}
		rl.record(&cmd)
	}

	if n := rl.commandCount("simulate"); n != 3 {
		t.Errorf("simulate count %d", n)
	}
	if n := rl.commandCount("list"); n != 2 {
		t.Errorf("list count %d", n)
	}
	if n := rl.commandCount("send_once"); n != 0 {
		t.Errorf("send_once count %d", n)
	}
	if n := rl.remoteKeyCount("tv", "power"); n != 2 {
		t.Errorf("tv/power count %d", n)
	}
	if n := rl.remoteKeyCount("amp", "mute"); n != 1 {
		t.Errorf("amp/mute count %d", n)
	}

	if s := rl.summary(); s != "list=2 simulate=3 version=1" {
		t.Errorf("summary %q", s)
	}
}

func TestLedgerWithoutPathDoesNotSave(t *testing.T) {
	l := lane.NewTestingLane(context.Background())

	rl, err := newRelayLedger(l, "")
	if err != nil {
		t.Fatal(err)
	}

	cmd, _ := rewriteCommand([]byte("LIST\n"), make([]byte, 0, 64))
	rl.record(&cmd)

	if err := rl.save(l); err != nil {
		t.Fatal(err)
	}
	if rl.dirty.Load() == 0 {
		t.Error("in-memory ledger cleared its dirty count")
	}
}

func TestCounterValue(t *testing.T) {
	cases := []struct {
		in  any
		out int64
	}{
		{int64(7), 7},
		{7, 7},
		{float64(7), 7},
		{"7", 7},
		{[]byte("7"), 7},
		{nil, 0},
		{struct{}{}, 0},
	}

	for _, c := range cases {
		if n := counterValue(c.in); n != c.out {
			t.Errorf("%#v: got %d", c.in, n)
		}
	}
}

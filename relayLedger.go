package lirc_relay

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jimsnab/go-lane"
	"github.com/jimsnab/go-treestore"
)

const ledgerAppVersion = 1

type (
	// relayLedger counts relayed commands in a treestore:
	//
	//	/commands/<keyword>       every forwarded command, by backend keyword
	//	/remotes/<remote>/<key>   every rewritten SEND_ONCE
	//
	// With a base path the store is loaded at start and saved while dirty.
	relayLedger struct {
		mu       sync.Mutex
		basePath string
		ts       *treestore.TreeStore
		dirty    atomic.Int32
	}
)

func newRelayLedger(l lane.Lane, basePath string) (rl *relayLedger, err error) {
	rl = &relayLedger{
		basePath: basePath,
		ts:       treestore.NewTreeStore(l.Derive(), ledgerAppVersion),
	}

	if basePath != "" {
		if _, statErr := os.Stat(basePath); statErr == nil {
			l.Tracef("loading ledger from %s", basePath)
			if err = rl.ts.Load(l, basePath); err != nil {
				l.Errorf("error loading %s: %s", basePath, err.Error())
				rl = nil
				return
			}
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			err = statErr
			rl = nil
			return
		}
	}

	return
}

func (rl *relayLedger) record(cmd *relayCommand) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cmd.keyword != "" {
		rl.increment(treestore.MakeStoreKey("commands", cmd.keyword))
	}
	if cmd.rewritten {
		rl.increment(treestore.MakeStoreKey("remotes", cmd.remote, cmd.key))
	}
	rl.dirty.Add(1)
}

func (rl *relayLedger) increment(sk treestore.StoreKey) {
	val, _, _ := rl.ts.GetKeyValue(sk)
	rl.ts.SetKeyValue(sk, counterValue(val)+1)
}

func (rl *relayLedger) commandCount(keyword string) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	val, _, _ := rl.ts.GetKeyValue(treestore.MakeStoreKey("commands", keyword))
	return counterValue(val)
}

func (rl *relayLedger) remoteKeyCount(remote, key string) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	val, _, _ := rl.ts.GetKeyValue(treestore.MakeStoreKey("remotes", remote, key))
	return counterValue(val)
}

// summary renders the per-keyword command counts, e.g. "list=2 simulate=5".
func (rl *relayLedger) summary() string {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	vals := rl.ts.GetMatchingKeyValues(treestore.MakeStoreKeyFromPath("/commands/*"), 0, 10000)

	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		name := string(v.Key)
		if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
			name = name[idx+1:]
		}
		parts = append(parts, name+"="+strconv.FormatInt(counterValue(v.CurrentValue), 10))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func (rl *relayLedger) save(l lane.Lane) error {
	if rl.basePath == "" {
		return nil
	}

	if rl.dirty.Swap(0) > 0 {
		rl.mu.Lock()
		defer rl.mu.Unlock()

		l.Tracef("saving ledger to %s", rl.basePath)
		if err := rl.ts.Save(l, rl.basePath); err != nil {
			l.Errorf("failed to save ledger to %s: %s", rl.basePath, err.Error())
			return err
		}
	}
	return nil
}

// counterValue reads a counter regardless of how the store round-tripped it.
func counterValue(val any) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	default:
		return 0
	}
}

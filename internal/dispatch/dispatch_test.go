package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

func noop(context.Context, json.RawMessage) (any, error) { return nil, nil }

func tool(name, owner string) *Tool {
	return &Tool{Name: name, Owner: owner, Handler: noop}
}

func TestRegisterAndLookup(t *testing.T) {
	table := New()
	require.NoError(t, table.Register(tool("serial.open", ""), tool("serial.close", "")))

	got, ok := table.Lookup("serial.open")
	require.True(t, ok)
	assert.True(t, got.Builtin())
	assert.Equal(t, []string{"serial.close", "serial.open"}, table.Names())
}

func TestRegisterCollisionIsAllOrNothing(t *testing.T) {
	table := New()
	require.NoError(t, table.Register(tool("serial.open", "")))

	err := table.Register(tool("gps.fix", "gps"), tool("serial.open", "gps"))
	assert.ErrorIs(t, err, fault.ErrNameCollision)
	assert.Equal(t, []string{"serial.open"}, table.Names())
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	table := New()
	require.NoError(t, table.Register(tool("a", "x")))

	var hookCalls int
	table.OnChange(func(Change) { hookCalls++ })

	_, err := table.Update(func(tx *Tx) error {
		tx.RemoveOwner("x")
		_ = tx.Add(tool("b", "x"))
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, table.Names())
	assert.Zero(t, hookCalls)
}

func TestChangeHookSeesDiff(t *testing.T) {
	table := New()
	require.NoError(t, table.Register(tool("gps.fix", "gps"), tool("gps.reset", "gps")))

	var changes []Change
	table.OnChange(func(c Change) { changes = append(changes, c) })

	replacement := tool("gps.fix", "gps")
	_, err := table.Update(func(tx *Tx) error {
		tx.RemoveOwner("gps")
		return tx.Add(replacement)
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Len(t, changes[0].Added, 1)
	assert.Same(t, replacement, changes[0].Added[0])
	assert.Equal(t, []string{"gps.reset"}, changes[0].Removed)
}

func TestSubscribeReturnsSnapshot(t *testing.T) {
	table := New()
	require.NoError(t, table.Register(tool("b", ""), tool("a", "")))

	var removed []string
	snap := table.Subscribe(func(c Change) { removed = append(removed, c.Removed...) })
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)

	_, err := table.Update(func(tx *Tx) error {
		tx.Remove("a")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, removed)
}

func TestEmptyUpdateSkipsHooks(t *testing.T) {
	table := New()
	called := false
	table.OnChange(func(Change) { called = true })
	_, err := table.Update(func(*Tx) error { return nil })
	require.NoError(t, err)
	assert.False(t, called)
}

func TestAddValidates(t *testing.T) {
	table := New()
	err := table.Register(&Tool{Name: ""})
	assert.ErrorIs(t, err, fault.ErrInvalidContract)
	err = table.Register(&Tool{Name: "x"})
	assert.ErrorIs(t, err, fault.ErrInvalidContract)
}

// Readers racing a writer must see either the whole extension or none of it.
func TestConcurrentLookupsSeeWholeTransactions(t *testing.T) {
	table := New()
	const n = 20
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("ext.t%02d", i)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			count := 0
			for _, tl := range table.List() {
				if tl.Owner == "ext" {
					count++
				}
			}
			if count != 0 && count != n {
				t.Errorf("observed partial tool set: %d of %d", count, n)
				return
			}
		}
	}()

	for round := 0; round < 200; round++ {
		_, err := table.Update(func(tx *Tx) error {
			if len(tx.RemoveOwner("ext")) > 0 {
				return nil
			}
			for _, name := range names {
				if err := tx.Add(tool(name, "ext")); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

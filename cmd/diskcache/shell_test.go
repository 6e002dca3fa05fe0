package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KevoDB/diskcache/pkg/element"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	sh, err := newShell(openTestRegions(t), "users", &out)
	require.NoError(t, err)
	return sh, &out
}

func run(sh *shell, out *bytes.Buffer, line string) string {
	out.Reset()
	sh.execute(line)
	return out.String()
}

func TestShellPutGetRemove(t *testing.T) {
	sh, out := newTestShell(t)

	require.Equal(t, "Value stored\n", run(sh, out, "PUT greeting hello  world"))
	require.Equal(t, "hello  world\n", run(sh, out, "get greeting"))
	require.Equal(t, "Removed\n", run(sh, out, "REMOVE greeting"))
	require.Equal(t, "Key not found\n", run(sh, out, "GET greeting"))
	require.Contains(t, run(sh, out, "PUT onlykey"), "requires key and value")
}

func TestShellPrefixAndGroupRemoval(t *testing.T) {
	sh, out := newTestShell(t)
	for _, line := range []string{"PUT a:1 x", "PUT a:2 y", "PUT b:1 z", "PUT @g/one 1", "PUT @g/two 2"} {
		run(sh, out, line)
	}

	run(sh, out, "REMOVE a:")
	run(sh, out, "REMOVE @g")
	require.Equal(t, "b:1\n1 keys\n", run(sh, out, "KEYS"))
}

func TestShellMatchAndClear(t *testing.T) {
	sh, out := newTestShell(t)
	run(sh, out, "PUT user:2 bob")
	run(sh, out, "PUT user:1 ann")
	run(sh, out, "PUT order:1 book")

	require.Equal(t, "user:1: ann\nuser:2: bob\n2 entries\n", run(sh, out, "MATCH user:.*"))
	require.Equal(t, "Removed 3 keys\n", run(sh, out, "CLEAR"))
	require.Equal(t, "0 keys\n", run(sh, out, "KEYS"))
}

func TestShellDotCommands(t *testing.T) {
	sh, out := newTestShell(t)
	run(sh, out, "PUT k v")

	require.Contains(t, run(sh, out, ".stats"), "Region:           users (alive)")
	require.Equal(t, "Saved 1 keys\n", run(sh, out, ".save"))
	require.Equal(t, "Verification passed\n", run(sh, out, ".verify"))
	require.Contains(t, run(sh, out, ".help"), "REMOVE key")
	require.Contains(t, run(sh, out, ".regions"), "* users")

	run(sh, out, ".use sessions")
	require.Equal(t, "sessions", sh.current.Name())
	require.Contains(t, run(sh, out, ".use nowhere"), "unknown region")
	require.Contains(t, run(sh, out, ".bogus"), "Unknown command")

	require.True(t, sh.execute(""))
	require.False(t, sh.execute(".exit"))
}

func TestParseKey(t *testing.T) {
	require.Equal(t, element.NewKey("plain"), parseKey("plain"))
	require.Equal(t, element.NewKey("@"), parseKey("@"))
	require.Equal(t, element.NewGroupKey("g", ""), parseKey("@g"))
	require.Equal(t, element.NewGroupKey("g", "attr"), parseKey("@g/attr"))
}

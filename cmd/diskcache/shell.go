package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/KevoDB/diskcache/pkg/diskcache"
	"github.com/KevoDB/diskcache/pkg/element"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".save"),
	readline.PcItem(".verify"),
	readline.PcItem(".regions"),
	readline.PcItem(".use"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("REMOVE"),
	readline.PcItem("KEYS"),
	readline.PcItem("MATCH"),
	readline.PcItem("CLEAR"),
)

const helpText = `
diskcache - block based disk cache shell

Commands:
  .help                   - Show this help message
  .exit                   - Exit the program
  .regions                - List regions
  .use REGION             - Switch to REGION
  .stats                  - Show statistics of the current region
  .save                   - Write the key file now
  .verify                 - Check block ownership and read back a sample

  PUT key value           - Store a value
  GET key                 - Retrieve a value
  REMOVE key              - Remove a key; "prefix:" removes every key with
                            that prefix and "@group" removes a whole group
  KEYS                    - List keys, least recently used first
  MATCH pattern           - Show entries whose key matches a regular expression
  CLEAR                   - Remove every entry of the region

Keys of the form @group/name address attribute name of group.
`

// shell executes commands against the open regions.
type shell struct {
	regions *regionSet
	current *diskcache.Cache
	out     io.Writer
}

func newShell(regions *regionSet, region string, out io.Writer) (*shell, error) {
	c, ok := regions.Get(region)
	if !ok {
		return nil, fmt.Errorf("unknown region %q", region)
	}
	return &shell{regions: regions, current: c, out: out}, nil
}

func (s *shell) prompt() string {
	return fmt.Sprintf("diskcache:%s> ", s.current.Name())
}

// run reads commands until .exit, EOF or an interrupt on an empty line.
func (s *shell) run() error {
	historyFile := filepath.Join(os.TempDir(), ".diskcache_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if readErr == io.EOF {
				fmt.Fprintln(s.out, "Goodbye!")
				return nil
			}
			fmt.Fprintf(s.out, "Error reading input: %s\n", readErr)
			continue
		}

		if !s.execute(line) {
			return nil
		}
	}
}

// execute runs one command line and reports whether the shell should go on.
func (s *shell) execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(s.out, helpText)
		case ".exit":
			return false
		case ".regions":
			for _, name := range s.regions.Names() {
				marker := " "
				if name == s.current.Name() {
					marker = "*"
				}
				c, _ := s.regions.Get(name)
				fmt.Fprintf(s.out, "%s %s (%s, %d keys)\n", marker, name, c.State(), c.Size())
			}
		case ".use":
			if len(parts) < 2 {
				fmt.Fprintln(s.out, "Error: .use requires a region name")
				return true
			}
			c, ok := s.regions.Get(parts[1])
			if !ok {
				fmt.Fprintf(s.out, "Error: unknown region %q\n", parts[1])
				return true
			}
			s.current = c
		case ".stats":
			s.printStats()
		case ".save":
			if err := s.current.SaveKeys(); err != nil {
				fmt.Fprintf(s.out, "Error: %s\n", err)
				return true
			}
			fmt.Fprintf(s.out, "Saved %d keys\n", s.current.Size())
		case ".verify":
			if s.current.VerifyDisk() {
				fmt.Fprintln(s.out, "Verification passed")
			} else {
				fmt.Fprintln(s.out, "Verification failed, region was reset")
			}
		default:
			fmt.Fprintf(s.out, "Unknown command: %s\n", parts[0])
		}
		return true
	}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			fmt.Fprintln(s.out, "Error: PUT requires key and value arguments")
			return true
		}
		value := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line[len(parts[0]):]), parts[1]))
		s.current.Put(element.New("", parseKey(parts[1]), []byte(value)))
		fmt.Fprintln(s.out, "Value stored")

	case "GET":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: GET requires a key argument")
			return true
		}
		e, ok := s.current.Get(parseKey(parts[1]))
		if !ok {
			fmt.Fprintln(s.out, "Key not found")
			return true
		}
		fmt.Fprintf(s.out, "%s\n", e.Value)

	case "REMOVE":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: REMOVE requires a key argument")
			return true
		}
		if s.current.Remove(parseKey(parts[1])) {
			fmt.Fprintln(s.out, "Removed")
		} else {
			fmt.Fprintln(s.out, "Key not found")
		}

	case "KEYS":
		keys := s.current.KeySet()
		for _, k := range keys {
			fmt.Fprintln(s.out, k)
		}
		fmt.Fprintf(s.out, "%d keys\n", len(keys))

	case "MATCH":
		if len(parts) < 2 {
			fmt.Fprintln(s.out, "Error: MATCH requires a pattern argument")
			return true
		}
		found := s.current.GetMatching(parts[1])
		keys := make([]element.Key, 0, len(found))
		for k := range found {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			fmt.Fprintf(s.out, "%s: %s\n", k, found[k].Value)
		}
		fmt.Fprintf(s.out, "%d entries\n", len(keys))

	case "CLEAR":
		before := s.current.Size()
		s.current.RemoveAll()
		fmt.Fprintf(s.out, "Removed %d keys\n", before-s.current.Size())

	default:
		fmt.Fprintf(s.out, "Unknown command: %s\n", parts[0])
	}
	return true
}

func (s *shell) printStats() {
	stats := s.current.Statistics()
	fmt.Fprintf(s.out, "Region:           %s (%s)\n", stats.Region, stats.State)
	fmt.Fprintf(s.out, "Policy:           %s\n", stats.Policy)
	fmt.Fprintf(s.out, "Keys:             %d\n", stats.KeyCount)
	fmt.Fprintf(s.out, "Data file length: %d\n", stats.DataFileLength)
	fmt.Fprintf(s.out, "Block size:       %d\n", stats.BlockSize)
	fmt.Fprintf(s.out, "Blocks:           %d (%d free)\n", stats.BlockCount, stats.FreeBlocks)
	fmt.Fprintf(s.out, "Average put size: %d\n", stats.AveragePutSize)
	fmt.Fprintf(s.out, "Evictions:        %d\n", stats.Evictions)

	counters := s.current.GetStatsFiltered("")
	for _, name := range []string{"hits", "misses", "errors", "resets"} {
		v, ok := counters[name]
		if !ok {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		fmt.Fprintf(s.out, "%-17s %s\n", name+":", data)
	}

	for _, op := range []string{"get", "put", "remove"} {
		latency, ok := counters[op+"_latency"].(map[string]interface{})
		if !ok {
			continue
		}
		if avgNs, ok := latency["avg_ns"].(uint64); ok {
			fmt.Fprintf(s.out, "%-17s %.3f ms\n", op+" avg:", float64(avgNs)/1e6)
		}
	}
}

// parseKey reads "@group" as a group sentinel, "@group/name" as a grouped key
// and anything else as a plain key.
func parseKey(s string) element.Key {
	if !strings.HasPrefix(s, "@") || len(s) == 1 {
		return element.NewKey(s)
	}
	group, name, _ := strings.Cut(s[1:], "/")
	return element.NewGroupKey(group, name)
}

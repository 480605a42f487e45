package ops

import (
	"sort"
	"strings"
	"sync"
)

type command struct {
	help string
	fn   func(args []string) string
}

// CommandSet is the operator command table served over the console socket.
type CommandSet struct {
	mu   sync.RWMutex
	cmds map[string]command
}

func NewCommandSet() *CommandSet {
	return &CommandSet{cmds: make(map[string]command)}
}

// Register adds (or replaces) a command.
func (cs *CommandSet) Register(name, help string, fn func(args []string) string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cmds[name] = command{help: help, fn: fn}
}

// Execute parses one console line and runs the matching command.
func (cs *CommandSet) Execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	cs.mu.RLock()
	cmd, ok := cs.cmds[fields[0]]
	cs.mu.RUnlock()
	if !ok {
		return "Unknown command: " + fields[0] + "\n" + cs.Help()
	}
	return cmd.fn(fields[1:])
}

// Help lists every registered command with its one-liner.
func (cs *CommandSet) Help() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	names := make([]string, 0, len(cs.cmds))
	for name := range cs.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range names {
		b.WriteString("\n  " + name + " - " + cs.cmds[name].help)
	}
	return b.String()
}

package ops

import (
	"strings"
	"testing"
)

func TestCommandSetExecute(t *testing.T) {
	cs := NewCommandSet()
	cs.Register("echo", "Echo the arguments", func(args []string) string {
		return strings.Join(args, " ")
	})

	if got := cs.Execute("echo hello world"); got != "hello world" {
		t.Fatalf("Execute = %q", got)
	}
	if got := cs.Execute(""); got != "" {
		t.Fatalf("empty line = %q", got)
	}
	if got := cs.Execute("nope"); !strings.HasPrefix(got, "Unknown command: nope") {
		t.Fatalf("unknown command = %q", got)
	}
}

func TestCommandSetHelp(t *testing.T) {
	cs := NewCommandSet()
	cs.Register("b", "second", func([]string) string { return "" })
	cs.Register("a", "first", func([]string) string { return "" })

	help := cs.Help()
	ai := strings.Index(help, "a - first")
	bi := strings.Index(help, "b - second")
	if ai == -1 || bi == -1 || ai > bi {
		t.Fatalf("Help() = %q", help)
	}
}

package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/mgentili/govr/kvstore"
)

// Doer is what the REPL needs from a client: submit one operation, get
// one result.
type Doer interface {
	Set(key, value string) (kvstore.Result, error)
	Get(key string) (kvstore.Result, error)
	Del(key string) (kvstore.Result, error)
}

// RunREPL reads commands from in until exit or EOF. Recognized commands
// are "set <key> <value>", "get <key>", "del <key>" and "exit"; anything
// else prints an error and keeps the loop alive. An I/O error on the
// input terminates the loop.
func RunREPL(c Doer, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var (
			result []string
			err    error
		)
		switch fields[0] {
		case "exit":
			return nil
		case "set":
			if len(fields) != 3 {
				fmt.Fprintln(out, "ERROR: set needs a key and a value")
				continue
			}
			result, err = c.Set(fields[1], fields[2])
		case "get":
			if len(fields) != 2 {
				fmt.Fprintln(out, "ERROR: get needs a key")
				continue
			}
			result, err = c.Get(fields[1])
		case "del":
			if len(fields) != 2 {
				fmt.Fprintln(out, "ERROR: del needs a key")
				continue
			}
			result, err = c.Del(fields[1])
		default:
			fmt.Fprintln(out, "ERROR: Unknown command")
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "ERROR: %v\n", err)
			continue
		}
		if len(result) == 0 {
			fmt.Fprintln(out, "(nil)")
			continue
		}
		fmt.Fprintln(out, strings.Join(result, " "))
	}
}

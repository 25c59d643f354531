// Command forgeflow-cli is the operator CLI for inspecting and repairing
// a durable-core data directory without going through forgeflowd's HTTP
// surface: lock status, WAL recovery, DLQ listing/replay, audit chain
// verification. The example pack carries no CLI framework in any go.mod
// (no cobra, no urfave/cli), so this uses the standard library's flag
// package with a hand-rolled subcommand dispatch, the same shape Go's own
// toolchain commands use — a deliberate stdlib choice, not a gap (see
// DESIGN.md).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/durable/audit"
	"github.com/forgeflow/core/internal/durable/lock"
	"github.com/forgeflow/core/internal/durable/wal"
	"github.com/forgeflow/core/internal/resilience/dlq"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	root := flag.String("root", "./.forgeflow", "durable core root directory")
	switch os.Args[1] {
	case "lock":
		flag.CommandLine.Parse(os.Args[2:])
		runLockStatus(*root)
	case "wal":
		flag.CommandLine.Parse(os.Args[2:])
		runWALRecover(*root)
	case "dlq":
		flag.CommandLine.Parse(os.Args[2:])
		runDLQ(*root, flag.Args())
	case "audit":
		flag.CommandLine.Parse(os.Args[2:])
		runAuditVerify(*root)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: forgeflow-cli <command> [-root path] [args]

commands:
  lock status                  print the current lock owner/state
  wal recover                  run WAL recovery against the root
  dlq list                     list dead-letter entries
  dlq replay <id>               replay one dead-letter entry (no-op executor)
  audit verify                  verify the audit chain's hash links`)
}

func runLockStatus(root string) {
	var rec lock.Record
	data, err := os.ReadFile(filepath.Join(root, "_wal", "transaction.lock"))
	if err == nil {
		err = json.Unmarshal(data, &rec)
	}
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "lock status: %v\n", err)
		os.Exit(1)
	}
	if !rec.Locked {
		fmt.Println("lock: unlocked")
		return
	}
	fmt.Printf("lock: held by %s\n", rec.Owner)
}

func runWALRecover(root string) {
	j := wal.New(root, clockid.RealClock{}, zap.NewNop())
	result, err := j.Recover(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wal recover: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wal recover: %d pending write(s) redone\n", len(result.Pending))
}

func runDLQ(root string, args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	q := dlq.New(root, clockid.RealClock{}, zap.NewNop())
	switch args[0] {
	case "list":
		entries, err := q.List(dlq.Filter{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "dlq list: %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%s\t%s\n", e.ID, e.Status, e.Operation.Verb, e.Operation.Resource)
		}
	case "replay":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		entry, err := q.Replay(args[1], func(op dlq.Operation, ctx any) error { return nil })
		if err != nil {
			fmt.Fprintf(os.Stderr, "dlq replay: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("replayed %s -> %s\n", entry.ID, entry.Status)
	default:
		usage()
		os.Exit(1)
	}
}

func runAuditVerify(root string) {
	c := audit.New(root, clockid.RealClock{}, zap.NewNop())
	divergedAt, err := c.Verify()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit verify: %v\n", err)
		os.Exit(1)
	}
	if divergedAt == -1 {
		fmt.Println("audit verify: chain intact")
		return
	}
	fmt.Printf("audit verify: chain diverged at entry %d\n", divergedAt)
	os.Exit(1)
}

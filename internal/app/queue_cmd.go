package app

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nuetzliches/courier/internal/config"
	"github.com/nuetzliches/courier/internal/snapshot"
	"github.com/nuetzliches/courier/internal/storage"
)

func queueCmd(args []string) int {
	return runQueueCmd(args, os.Stdout, os.Stderr)
}

func runQueueCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: inspect | clear")
		return 2
	}
	switch args[0] {
	case "inspect":
		return queueInspect(args[1:], stdout, stderr)
	case "clear":
		return queueClear(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown queue subcommand: %s\n", args[0])
		return 2
	}
}

// openSnapshotStore opens the configured storage offline, without a running
// process.
func openSnapshotStore(configPath, account string) (*snapshot.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	res := config.ValidationResult{}
	cfg.Resolve(&res)
	if len(res.Errors) > 0 {
		return nil, nil, errors.New(strings.Join(res.Errors, "; "))
	}
	if account = strings.TrimSpace(account); account == "" {
		account = cfg.AccountKey
	}
	st, err := storage.Open(storage.Config{
		Backend: cfg.Storage.Backend,
		Dir:     cfg.Storage.Dir,
		Path:    cfg.Storage.Path,
		DSN:     cfg.Storage.DSN,
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = storage.Close(st) }
	store, err := snapshot.NewStore(st, account)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return store, closeFn, nil
}

func queueInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("queue inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	account := fs.String("account", "", "account key (default: account_key from config)")
	format := fs.String("format", "text", "output format: text|json")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, closeFn, err := openSnapshotStore(*configPath, *account)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer closeFn()

	state, err := store.Read()
	if errors.Is(err, storage.ErrNotFound) {
		state = snapshot.State{Version: snapshot.FormatVersion, AccountKey: store.AccountKey()}
	} else if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", store.Location(), err)
		return 1
	}

	if *format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(state); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "account %s (%s): %d immediate, %d normal\n",
		store.AccountKey(), store.Location(), len(state.Immediate), len(state.Normal))
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tID\tKIND\tRETRIES\tCREATED\tBACKOFF_UNTIL")
	writeRows := func(lane string, entries []snapshot.Entry) {
		for _, e := range entries {
			backoff := "-"
			if e.BackoffUntil != nil {
				backoff = time.UnixMilli(*e.BackoffUntil).UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				lane,
				e.Request.ID,
				e.Request.Endpoint.Kind,
				e.RetryCount,
				time.UnixMilli(e.CreatedAt).UTC().Format(time.RFC3339),
				backoff,
			)
		}
	}
	writeRows("immediate", state.Immediate)
	writeRows("normal", state.Normal)
	_ = tw.Flush()
	return 0
}

func queueClear(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("queue clear", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	account := fs.String("account", "", "account key (default: account_key from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, closeFn, err := openSnapshotStore(*configPath, *account)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer closeFn()

	if err := store.Clear(); err != nil {
		fmt.Fprintf(stderr, "clear %s: %v\n", store.Location(), err)
		return 1
	}
	fmt.Fprintf(stdout, "cleared %s\n", store.Location())
	return 0
}

package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/nuetzliches/courier/internal/controlapi"
)

const defaultControlAddr = "127.0.0.1:9400"

func ctlCmd(args []string) int {
	return runCtlCmd(args, os.Stdout, os.Stderr, dialControl)
}

type controlDialer func(addr string) (grpc.ClientConnInterface, func() error, error)

func dialControl(addr string) (grpc.ClientConnInterface, func() error, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return cc, cc.Close, nil
}

func runCtlCmd(args []string, stdout, stderr io.Writer, dial controlDialer) int {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", defaultControlAddr, "control API address")
	token := fs.String("token", os.Getenv("COURIER_CONTROL_TOKEN"), "bearer token for the control API")
	timeout := fs.Duration("timeout", 10*time.Second, "call timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: courier ctl [--addr host:port] [--token T] stats|flush|pause|resume|clear")
		return 2
	}
	op := strings.ToLower(fs.Arg(0))
	switch op {
	case "stats", "flush", "pause", "resume", "clear":
	default:
		fmt.Fprintf(stderr, "unknown ctl operation: %s\n", op)
		return 2
	}

	cc, closeFn, err := dial(*addr)
	if err != nil {
		fmt.Fprintf(stderr, "ctl: %v\n", err)
		return 1
	}
	defer func() { _ = closeFn() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = controlapi.WithBearerToken(ctx, *token)

	cl := controlapi.NewClient(cc)
	switch op {
	case "stats":
		st, err := cl.Stats(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "ctl stats: %v\n", err)
			return 1
		}
		out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
		if err != nil {
			fmt.Fprintf(stderr, "ctl stats: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(out))
		return 0
	case "flush":
		err = cl.Flush(ctx)
	case "pause":
		err = cl.Pause(ctx)
	case "resume":
		err = cl.Resume(ctx)
	case "clear":
		err = cl.Clear(ctx)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ctl %s: %v\n", op, err)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

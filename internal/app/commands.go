package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nuetzliches/courier/internal/processor"
	"github.com/nuetzliches/courier/internal/request"
)

const maxCommandLineBytes = 1 << 20

// producer is the part of the client driven by commands.
type producer interface {
	Initialize(ctx context.Context, accountKey string) error
	SetProfile(properties map[string]request.Value) error
	SetEmail(email string) error
	SetPhoneNumber(phone string) error
	SetExternalID(externalID string) error
	SetPushToken(token string) error
	ResetProfile() error
	CreateEvent(metric string, properties map[string]request.Value) error
	HandlePushOpened(accountKey string, properties map[string]request.Value) error
	AppForegrounded()
	AppBackgrounded()
	NetworkChanged(n processor.Network)
	Flush(ctx context.Context) error
}

// command is one NDJSON line, e.g.
//
//	{"op":"create_event","metric":"Viewed Product","properties":{"sku":"A1"}}
type command struct {
	Op         string                   `json:"op"`
	Value      string                   `json:"value,omitempty"`
	Metric     string                   `json:"metric,omitempty"`
	AccountKey string                   `json:"account_key,omitempty"`
	Properties map[string]request.Value `json:"properties,omitempty"`
}

var errUnknownOp = errors.New("unknown op")

func dispatchCommand(ctx context.Context, p producer, cmd command) error {
	switch strings.ToLower(strings.TrimSpace(cmd.Op)) {
	case "initialize":
		return p.Initialize(ctx, cmd.AccountKey)
	case "set_profile":
		return p.SetProfile(cmd.Properties)
	case "set_email":
		return p.SetEmail(cmd.Value)
	case "set_phone_number":
		return p.SetPhoneNumber(cmd.Value)
	case "set_external_id":
		return p.SetExternalID(cmd.Value)
	case "set_push_token":
		return p.SetPushToken(cmd.Value)
	case "reset_profile":
		return p.ResetProfile()
	case "create_event":
		return p.CreateEvent(cmd.Metric, cmd.Properties)
	case "push_opened":
		return p.HandlePushOpened(cmd.AccountKey, cmd.Properties)
	case "foreground":
		p.AppForegrounded()
		return nil
	case "background":
		p.AppBackgrounded()
		return nil
	case "network":
		n, err := processor.ParseNetwork(cmd.Value)
		if err != nil {
			return err
		}
		p.NetworkChanged(n)
		return nil
	case "flush":
		return p.Flush(ctx)
	default:
		return fmt.Errorf("%w %q", errUnknownOp, cmd.Op)
	}
}

// readCommands applies NDJSON commands from r until EOF or ctx is done.
// Bad lines are logged and skipped.
func readCommands(ctx context.Context, r io.Reader, p producer, logger *slog.Logger, rm *runtimeMetrics) error {
	if logger == nil {
		logger = slog.Default()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxCommandLineBytes)
	line := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var cmd command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			rm.observeCommand(false)
			logger.Warn("command_rejected", slog.Int("line", line), slog.Any("err", err))
			continue
		}
		if err := dispatchCommand(ctx, p, cmd); err != nil {
			rm.observeCommand(false)
			logger.Warn("command_rejected", slog.Int("line", line), slog.String("op", cmd.Op), slog.Any("err", err))
			continue
		}
		rm.observeCommand(true)
		logger.Debug("command_applied", slog.Int("line", line), slog.String("op", cmd.Op))
	}
	return sc.Err()
}

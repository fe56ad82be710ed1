package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrelay"
)

type sendFlags struct {
	payload   string
	broadcast bool
	expect    int
	timeout   time.Duration
	local     bool
}

func sendCmd() *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "send <address>",
		Short: "Send a request to the relay network and print the response(s)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVarP(&f.payload, "payload", "p", "", "JSON payload (a bare string when not valid JSON)")
	cmd.Flags().BoolVarP(&f.broadcast, "broadcast", "b", false, "collect every response until the timeout")
	cmd.Flags().IntVar(&f.expect, "expect", 0, "finish a broadcast after this many responses")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0, "response or collection timeout (default from config)")
	cmd.Flags().BoolVar(&f.local, "local", false, "keep the request in this process")
	return cmd
}

func runSend(cmd *cobra.Command, address string, f sendFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	bus, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Close(context.Background())

	opts := []xrelay.SendOption{xrelay.WithGlobal(!f.local)}
	if f.timeout > 0 {
		opts = append(opts, xrelay.WithTimeout(f.timeout))
	}
	if f.expect > 0 {
		opts = append(opts, xrelay.WithExpectedResults(f.expect))
	}

	payload := parsePayload(f.payload)

	var fut *xrelay.Future
	if f.broadcast {
		fut = bus.Broadcast(ctx, address, payload, opts...)
	} else {
		fut = bus.Send(ctx, address, payload, opts...)
	}

	v, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func parsePayload(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/3vilhamster/partition-placement/pkg/client"
	"github.com/3vilhamster/partition-placement/pkg/client/config"
)

// Command line flags
var (
	serverAddr = flag.String("server", config.DefaultClientConfig.ServerAddr, "Server address")
	timeout    = flag.Duration("timeout", config.DefaultClientConfig.CallTimeout, "Call timeout")
	logLevel   = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
)

const usage = `usage: client [flags] <command> [args]

commands:
  create <table> <database> <kind> <node>...
  drop <table>
  reshard <table> <node>...
  get <table> <key>
  find <table> <key>
  join <table>
  all <table>
  describe <table>
  list
  health
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := config.DefaultClientConfig
	cfg.ServerAddr = *serverAddr
	cfg.CallTimeout = *timeout

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+*timeout)
	defer cancel()

	c, err := client.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create client", zap.Error(err))
		os.Exit(1)
	}
	defer c.Close()

	result, err := run(ctx, c, flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, c *client.Client, args []string) (any, error) {
	cmd, args := args[0], args[1:]

	switch cmd {
	case "create":
		if len(args) < 4 {
			return nil, errors.New("create needs <table> <database> <kind> <node>...")
		}
		ids, err := parseIDs(append(args[:2:2], args[3:]...))
		if err != nil {
			return nil, err
		}
		return c.CreateTable(ctx, ids[0], ids[1], args[2], ids[2:])

	case "reshard":
		if len(args) < 2 {
			return nil, errors.New("reshard needs <table> <node>...")
		}
		ids, err := parseIDs(args)
		if err != nil {
			return nil, err
		}
		return c.Reshard(ctx, ids[0], ids[1:])

	case "get", "find":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s needs <table> <key>", cmd)
		}
		table, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid table id %q: %w", args[0], err)
		}
		if cmd == "get" {
			return c.GetPartitions(ctx, table, []byte(args[1]))
		}
		return c.FindPartitions(ctx, table, []byte(args[1]))

	case "drop", "join", "all", "describe":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s needs <table>", cmd)
		}
		table, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid table id %q: %w", args[0], err)
		}
		switch cmd {
		case "drop":
			return nil, c.DropTable(ctx, table)
		case "join":
			return c.JoinPartitions(ctx, table)
		case "all":
			return c.AllPartitions(ctx, table)
		default:
			return c.Describe(ctx, table)
		}

	case "list":
		return c.ListTables(ctx)

	case "health":
		return c.Healthy(ctx)

	default:
		return nil, fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", arg, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func newLogger(level string) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	switch level {
	case "debug":
		logConfig = zap.NewDevelopmentConfig()
	case "info":
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "error":
		logConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logConfig.OutputPaths = []string{"stderr"}
	return logConfig.Build()
}


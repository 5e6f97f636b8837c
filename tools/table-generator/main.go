package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/3vilhamster/partition-placement/pkg/client"
	"github.com/3vilhamster/partition-placement/pkg/client/config"
)

// Configuration via command-line flags
var (
	serverAddr     = flag.String("server", config.DefaultClientConfig.ServerAddr, "placement server address")
	numTables      = flag.Int("tables", 30, "number of tables to generate")
	firstTableID   = flag.Int64("first-id", 1000, "id of the first generated table")
	databaseID     = flag.Int64("database", 1, "database id of the generated tables")
	nodeList       = flag.String("nodes", "1,2,3", "comma-separated partition node ids")
	batchSize      = flag.Int("batch", 5, "batch size for table generation")
	intervalMillis = flag.Int("interval", 1000, "interval between batches in milliseconds")
	kindList       = flag.String("kinds", "hash,replicated,roundrobin", "comma-separated kinds cycled through")
	cleanupFirst   = flag.Bool("cleanup", true, "drop the generated table ids before creating them")
)

func main() {
	flag.Parse()

	// Read configuration from environment variables if set
	if v := os.Getenv("PLACEMENT_SERVER"); v != "" {
		*serverAddr = v
	}
	envInt(numTables, "NUM_TABLES")
	envInt(batchSize, "BATCH_SIZE")
	envInt(intervalMillis, "INTERVAL_MS")
	if v := os.Getenv("NODES"); v != "" {
		*nodeList = v
	}
	if v := os.Getenv("KINDS"); v != "" {
		*kindList = v
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	nodes, err := parseNodes(*nodeList)
	if err != nil {
		logger.Fatal("Invalid node list", zap.String("nodes", *nodeList), zap.Error(err))
	}
	kinds := strings.Split(*kindList, ",")
	if *batchSize <= 0 {
		*batchSize = 1
	}

	cfg := config.DefaultClientConfig
	cfg.ServerAddr = *serverAddr

	ctx := context.Background()
	c, err := client.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to placement server", zap.Error(err))
	}
	defer c.Close()

	logger.Info("Generating tables",
		zap.Int("tables", *numTables),
		zap.Int64s("nodes", nodes),
		zap.Strings("kinds", kinds))

	created := 0
	for i := 0; i < *numTables; i++ {
		tableID := *firstTableID + int64(i)
		kind := kinds[i%len(kinds)]

		if *cleanupFirst {
			if err := c.DropTable(ctx, tableID); err != nil && status.Code(err) != codes.NotFound {
				logger.Warn("Failed to drop table", zap.Int64("table", tableID), zap.Error(err))
			}
		}

		info, err := c.CreateTable(ctx, tableID, *databaseID, kind, nodes)
		if err != nil {
			logger.Error("Error creating table",
				zap.Int64("table", tableID),
				zap.String("kind", kind),
				zap.Error(err))
		} else {
			created++
			logger.Info("Created table",
				zap.Int64("table", info.TableID),
				zap.String("kind", info.Kind),
				zap.Int64s("join_partitions", info.JoinPartitions))
		}

		// Apply batch delay
		if (i+1)%*batchSize == 0 && i < *numTables-1 {
			time.Sleep(time.Duration(*intervalMillis) * time.Millisecond)
		}
	}

	logger.Info("Table generation finished", zap.Int("created", created), zap.Int("requested", *numTables))
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func parseNodes(list string) ([]int64, error) {
	var nodes []int64
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, id)
	}
	return nodes, nil
}

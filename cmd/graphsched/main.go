// Command graphsched runs a small demo graph through the scheduler
// and execution engine, optionally on a cron schedule, recording each
// run to the execution ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/graphsched"
	"github.com/swarmguard/graphsched/internal/planstore"
	"github.com/swarmguard/graphsched/internal/taskerr"
	"github.com/swarmguard/graphsched/internal/telemetry"
)

func main() {
	workers := flag.Int("workers", 4, "number of workers to schedule across")
	cronExpr := flag.String("cron", "", "optional cron expression for periodic re-submission; empty runs once")
	dbPath := flag.String("db", "graphsched.db", "path to the execution ledger")
	timeout := flag.Duration("timeout", 5*time.Second, "per-run worker/receive timeout")
	flag.Parse()

	logger := telemetry.InitLogging("graphsched")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, "graphsched")
	defer telemetry.Flush(context.Background(), shutdownTrace)

	shutdownMetrics := telemetry.InitMetrics(ctx, "graphsched")
	defer telemetry.Flush(context.Background(), shutdownMetrics)

	meter := otel.Meter("graphsched")
	store, err := planstore.Open(*dbPath, meter)
	if err != nil {
		logger.Error("open ledger", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	run := func() {
		runID := uuid.NewString()
		ctx, span := telemetry.WithSpan(ctx, "graphsched.run", attribute.String("run_id", runID))
		defer span()

		start := time.Now()
		result, err := graphsched.Run(ctx, demoGraph(), *workers, graphsched.RunOptions{
			Timeout: *timeout,
			Costs:   true,
		})
		rec := planstore.RunRecord{
			RunID:      runID,
			StartedAt:  start,
			FinishedAt: time.Now(),
			NumWorkers: *workers,
		}
		if err != nil {
			logger.Error("run failed", "run_id", runID, "error", err)
		} else {
			for _, id := range []string{"fetch", "parse_a", "parse_b", "merge"} {
				status := "ok"
				if v, ok := result.Get(id); ok {
					if e, isErr := v.(*taskerr.Error); isErr {
						status = string(e.Kind)
					}
				}
				rec.Tasks = append(rec.Tasks, planstore.TaskRecord{TaskID: id, Status: status})
			}
			for _, w := range result.Warnings {
				rec.Warnings = append(rec.Warnings, w.Error())
			}
			logger.Info("run complete", "run_id", runID, "results", len(result.All()))
		}
		if err := store.PutRun(ctx, rec); err != nil {
			logger.Error("persist run record", "run_id", runID, "error", err)
		}
	}

	if *cronExpr == "" {
		run()
		return
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(*cronExpr, run); err != nil {
		logger.Error("invalid cron expression", "cron", *cronExpr, "error", err)
		os.Exit(1)
	}
	c.Start()
	logger.Info("cron scheduler started", "cron", *cronExpr)

	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		logger.Info("cron scheduler stopped")
	case <-time.After(5 * time.Second):
		logger.Warn("cron scheduler stop timed out")
	}
}

// demoGraph wires a tiny fetch -> {parse_a, parse_b} -> merge diamond,
// enough to exercise cross-worker send/receive when run across
// multiple workers.
func demoGraph() *graphsched.Graph {
	g := graphsched.NewGraph()
	g.Add(graphsched.Task{
		ID:   "fetch",
		Fn:   func(in graphsched.Value) (any, error) { return []int{1, 2, 3, 4}, nil },
		Cost: 1,
	})
	g.Add(graphsched.Task{
		ID: "parse_a",
		Fn: func(in graphsched.Value) (any, error) {
			nums := in.(graphsched.Seq)[0].([]int)
			sum := 0
			for _, n := range nums {
				sum += n
			}
			return sum, nil
		},
		Args: graphsched.Seq{graphsched.Dependency{Producer: "fetch"}},
		Cost: 2,
	})
	g.Add(graphsched.Task{
		ID: "parse_b",
		Fn: func(in graphsched.Value) (any, error) {
			nums := in.(graphsched.Seq)[0].([]int)
			product := 1
			for _, n := range nums {
				product *= n
			}
			return product, nil
		},
		Args: graphsched.Seq{graphsched.Dependency{Producer: "fetch"}},
		Cost: 2,
	})
	g.Add(graphsched.Task{
		ID: "merge",
		Fn: func(in graphsched.Value) (any, error) {
			m := in.(graphsched.Map)
			return fmt.Sprintf("sum=%v product=%v", m["sum"], m["product"]), nil
		},
		Args: graphsched.Map{
			"sum":     graphsched.Dependency{Producer: "parse_a"},
			"product": graphsched.Dependency{Producer: "parse_b"},
		},
		Cost: 1,
	})
	return g
}

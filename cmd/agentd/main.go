// agentd serves an agent's JSON-RPC endpoint: it loads configuration,
// registers the domain handlers, exposes Prometheus metrics, and shuts
// down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentrpc/pkg/config"
	"agentrpc/pkg/logx"
	"agentrpc/pkg/metrics"
	"agentrpc/pkg/proto"
	"agentrpc/pkg/rpcclient"
	"agentrpc/pkg/rpcserver"
)

func main() {
	var configPath string
	var listenAddr string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&listenAddr, "listen", "", "Listen address override")
	flag.Parse()

	if err := run(configPath, listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	logger := logx.NewLogger(cfg.Server.Name)
	recorder := metrics.NewPrometheusRecorder()
	sink := logx.Tee(logger, recorder)

	name, version, description, capabilities, modes := cfg.AgentCardInfo()
	card := proto.AgentCard{
		Name:               name,
		Version:            version,
		Description:        description,
		Capabilities:       capabilities,
		CommunicationModes: modes,
		Endpoints: map[string]string{
			"rpc":        fmt.Sprintf("http://%s/rpc", hostAddr(cfg.Server.ListenAddr)),
			"agent_card": fmt.Sprintf("http://%s/agent-card", hostAddr(cfg.Server.ListenAddr)),
		},
	}

	server := rpcserver.New(card, logger, sink)
	server.SetRecorder(recorder)
	server.SetValidator(rpcserver.ValidatorFunc(validatePayload))

	// Outbound client for handlers that delegate to downstream agents.
	client := rpcclient.New(rpcclient.Config{
		Retry:    cfg.RetryConfig(),
		Breaker:  cfg.BreakerConfig(),
		Pool:     cfg.PoolConfig(),
		Timeouts: cfg.Timeouts(),
	}, logger, sink)
	client.SetRecorder(recorder)
	defer client.Close()

	server.RegisterHandler("process_task", processTask(logger))

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pool idle sweep runs on an external ticker; the pool never
	// self-schedules.
	go func() {
		ticker := time.NewTicker(cfg.Client.Pool.CleanupInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := client.Pool().CleanupIdle(); evicted > 0 {
					logger.Debug("pool sweep evicted %d idle sessions", evicted)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving JSON-RPC on %s", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return logx.Wrap(err, "http shutdown")
	}
	return nil
}

// hostAddr normalizes a listen address like ":8080" into something a peer
// can dial.
func hostAddr(listenAddr string) string {
	if len(listenAddr) > 0 && listenAddr[0] == ':' {
		return "localhost" + listenAddr
	}
	return listenAddr
}

// validatePayload checks domain payloads before dispatch. Only process_task
// carries a structured payload today.
func validatePayload(method string, params map[string]any) (map[string]any, error) {
	if method != "process_task" {
		return params, nil
	}
	rawTask, ok := params["task"]
	if !ok {
		return nil, fmt.Errorf("task is required")
	}
	taskObj, ok := rawTask.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("task must be an object")
	}
	task, err := decodeTask(taskObj)
	if err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// processTask accepts a delegated task and returns it completed with one
// echo artifact. Real agents replace this with their own execution.
func processTask(logger *logx.Logger) rpcserver.Handler {
	return func(ctx context.Context, params map[string]any) (any, error) {
		taskObj, _ := params["task"].(map[string]any)
		task, err := decodeTask(taskObj)
		if err != nil {
			return nil, err
		}

		logger.Info("Processing task %s: %s", task.ID, task.Instruction)
		task.Status = proto.TaskStatusCompleted
		artifact := proto.NewArtifact(task.ID, map[string]any{
			"instruction": task.Instruction,
		}, "application/json")

		return map[string]any{
			"task":      task,
			"artifacts": []*proto.Artifact{artifact},
		}, nil
	}
}

// decodeTask converts loosely-typed params into a Task via JSON.
func decodeTask(obj map[string]any) (*proto.Task, error) {
	if obj == nil {
		return nil, fmt.Errorf("task is required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	var task proto.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

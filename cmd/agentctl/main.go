// agentctl is a small operator CLI for poking peer agents: fetch an agent
// card or invoke a JSON-RPC method with inline JSON params.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"agentrpc/pkg/logx"
	"agentrpc/pkg/rpcclient"
)

func main() {
	var timeout time.Duration
	flag.DurationVar(&timeout, "timeout", 60*time.Second, "Overall call deadline")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := run(args, timeout); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  agentctl card <endpoint>
  agentctl call <endpoint> <method> [params-json]

Flags:
`)
	flag.PrintDefaults()
}

func run(args []string, timeout time.Duration) error {
	logger := logx.NewLogger("agentctl")
	client := rpcclient.New(rpcclient.DefaultClientConfig, logger, logx.NopSink{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch args[0] {
	case "card":
		card, err := client.GetAgentCard(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(card)

	case "call":
		if len(args) < 3 {
			usage()
			return fmt.Errorf("call requires an endpoint and a method")
		}
		var params map[string]any
		if len(args) > 3 {
			if err := json.Unmarshal([]byte(args[3]), &params); err != nil {
				return fmt.Errorf("params must be a JSON object: %w", err)
			}
		}
		result, err := client.Call(ctx, args[1], args[2], params, "")
		if err != nil {
			return err
		}
		var pretty any
		if err := json.Unmarshal(result, &pretty); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return printJSON(pretty)

	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

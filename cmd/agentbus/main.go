// Command agentbus is the operator surface for the agent coordination core:
// it publishes events, inspects the type registry, and reports per-agent
// history and performance metrics.
//
// Exit codes: 0 on success, 1 on operational errors, 2 on schema validation
// or state-machine errors. Handler-level failures never affect the exit
// code; they are visible through `agentbus history` and logs.
package main

import (
	"fmt"
	"os"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		runStatus(os.Args[2:])
	case "publish":
		runPublish(os.Args[2:])
	case "subscribe":
		runSubscribe(os.Args[2:])
	case "list-events":
		runListEvents(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "metrics":
		runMetrics(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	case "version":
		fmt.Printf("agentbus %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentbus - event-driven coordination core for agent fleets

Usage:
  agentbus <command> [options]

Commands:
  status        Show subscription count, last dispatch time, pending HITL count
  publish       Publish an event (--type, --data JSON; exit 2 on schema failure)
  subscribe     Attach a logging handler for an event type (--type)
  list-events   Enumerate the event type registry
  history       Print history entries (--agent, --since RFC3339)
  metrics       Print performance metric summaries (--agent)
  replay        Republish journaled events with outstanding deliveries
  version       Print the version

Options common to all commands:
  --config PATH  Configuration file (default: agentbus.yaml if present)`)
}

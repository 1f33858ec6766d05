// Command arqonbus-cli is the operator's Swiss-army knife for a running
// broker: publish messages, run commands, tail a channel, mint tokens.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arqonbus/arqonbus/internal/security"
	"github.com/arqonbus/arqonbus/pkg/sdk"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = cmdSend(os.Args[2:])
	case "command":
		err = cmdCommand(os.Args[2:])
	case "listen":
		err = cmdListen(os.Args[2:])
	case "token":
		err = cmdToken(os.Args[2:])
	case "version":
		fmt.Printf("arqonbus-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "arqonbus-cli: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ArqonBus CLI v` + version + `

Usage: arqonbus-cli <command> [flags]

Commands:
  send      Publish a message into a room/channel
  command   Run a broker command and print its response
  listen    Tail a channel until interrupted
  token     Mint an HS256 access token
  version   Print version
  help      Show this help

Environment:
  ARQONBUS_URL     Broker URL (default: ws://localhost:8765/ws)
  ARQONBUS_TOKEN   Bearer token for authenticated brokers

Examples:
  arqonbus-cli send --room ops --channel alerts --payload '{"text":"hi"}'
  arqonbus-cli command --name status
  arqonbus-cli command --name op.cron.list
  arqonbus-cli listen --room ops --channel alerts
  arqonbus-cli token --secret $ARQONBUS_AUTH_SECRET --subject alice --role admin`)
}

func brokerURL() string {
	if url := os.Getenv("ARQONBUS_URL"); url != "" {
		return url
	}
	return "ws://localhost:8765/ws"
}

func connect(ctx context.Context, onEnvelope func(*sdk.Envelope)) (*sdk.Client, error) {
	return sdk.Dial(ctx, sdk.Config{
		URL:        brokerURL(),
		Token:      os.Getenv("ARQONBUS_TOKEN"),
		OnEnvelope: onEnvelope,
	})
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	room := fs.String("room", "lobby", "target room")
	channel := fs.String("channel", "general", "target channel")
	payloadArg := fs.String("payload", "", "JSON payload (required)")
	fs.Parse(args)

	if *payloadArg == "" {
		return fmt.Errorf("--payload is required")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(*payloadArg), &payload); err != nil {
		return fmt.Errorf("--payload must be a JSON object: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := connect(ctx, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	delivered, err := client.Publish(ctx, *room, *channel, payload)
	if err != nil {
		return err
	}
	fmt.Printf("delivered to %d client(s)\n", delivered)
	return nil
}

func cmdCommand(args []string) error {
	fs := flag.NewFlagSet("command", flag.ExitOnError)
	name := fs.String("name", "", "command name (required)")
	argsJSON := fs.String("args", "", "JSON arguments")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	var cmdArgs map[string]interface{}
	if *argsJSON != "" {
		if err := json.Unmarshal([]byte(*argsJSON), &cmdArgs); err != nil {
			return fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := connect(ctx, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Command(ctx, *name, cmdArgs)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	room := fs.String("room", "lobby", "room to tail")
	channel := fs.String("channel", "general", "channel to tail")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, func(e *sdk.Envelope) {
		line, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Println(string(line))
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.JoinChannel(ctx, *room, *channel); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "listening on %s/%s as %s (ctrl-c to stop)\n",
		*room, *channel, client.ClientID())

	<-ctx.Done()
	return nil
}

func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("ARQONBUS_AUTH_SECRET"), "HS256 signing secret")
	subject := fs.String("subject", "", "token subject (required)")
	role := fs.String("role", "user", "role claim: user or admin")
	tenant := fs.String("tenant", "", "tenant claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	fs.Parse(args)

	if *secret == "" {
		return fmt.Errorf("--secret or ARQONBUS_AUTH_SECRET is required")
	}
	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}

	token, err := security.Issue(*secret, *subject, *role, *tenant, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

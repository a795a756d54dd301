// Command sgnl-dispatch sends messages through the dispatch pipeline.
//
// Usage:
//
//	sgnl-dispatch send --to <serviceID> <message>
//	sgnl-dispatch resend <recordID> [recipient]
package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	signaldispatch "github.com/sayan83/signal-dispatch"
)

type globalOpts struct {
	DB       string `long:"db" description:"Path to session database"`
	Outbox   string `long:"outbox" description:"Path to outbox directory"`
	API      string `long:"api" description:"Relay base URL"`
	Account  string `short:"a" long:"account" required:"true" description:"Service ID of the sending account"`
	DeviceID int    `short:"d" long:"device" default:"1" description:"Local device ID"`
	Password string `short:"p" long:"password" env:"SGNL_PASSWORD" description:"Account password"`
	Verbose  bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Send   sendCommand   `command:"send" description:"Send a text message"`
	Resend resendCommand `command:"resend" description:"Retry failed recipients of a recorded send"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func openClient() *signaldispatch.Client {
	var copts []signaldispatch.Option
	if opts.DB != "" {
		copts = append(copts, signaldispatch.WithDBPath(opts.DB))
	}
	if opts.Outbox != "" {
		copts = append(copts, signaldispatch.WithOutboxPath(opts.Outbox))
	}
	if opts.API != "" {
		copts = append(copts, signaldispatch.WithAPIURL(opts.API))
	}
	if opts.Verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		copts = append(copts, signaldispatch.WithLogger(log))
	}

	client, err := signaldispatch.New(opts.Account, opts.DeviceID, opts.Password, copts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return client
}

type sendCommand struct {
	To   string `long:"to" required:"true" description:"Recipient service ID"`
	Args struct {
		Message string `positional-arg-name:"message" required:"true"`
	} `positional-args:"true"`
}

func (cmd *sendCommand) Execute(_ []string) error {
	client := openClient()
	defer client.Close()

	recordID, comp, err := client.Send(context.Background(), cmd.To, cmd.Args.Message)
	if err != nil {
		return err
	}
	printCompletion(recordID, comp)
	return nil
}

type resendCommand struct {
	Args struct {
		RecordID  string `positional-arg-name:"recordID" required:"true"`
		Recipient string `positional-arg-name:"recipient"`
	} `positional-args:"true"`
}

func (cmd *resendCommand) Execute(_ []string) error {
	client := openClient()
	defer client.Close()

	ctx := context.Background()
	var comp *signaldispatch.Completion
	var err error
	if cmd.Args.Recipient != "" {
		comp, err = client.ResendTo(ctx, cmd.Args.RecordID, cmd.Args.Recipient, nil)
	} else {
		comp, err = client.Resend(ctx, cmd.Args.RecordID, nil, nil)
	}
	if err != nil {
		return err
	}
	printCompletion(cmd.Args.RecordID, comp)
	return nil
}

func printCompletion(recordID string, comp *signaldispatch.Completion) {
	fmt.Printf("record %s: %d delivered, %d failed\n", recordID, len(comp.Successful), len(comp.Errors))
	for _, id := range comp.Successful {
		fmt.Printf("  ok   %s\n", id)
	}
	for id, err := range comp.Errors {
		fmt.Printf("  fail %s: %v\n", id, err)
	}
}

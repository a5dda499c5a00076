package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()

	app.Version = version
	app.Name = "xcat"
	app.Usage = "Command line tool for cross chain atomic trades between stellar and ethereum"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path of the JSON config file",
			Value: "./config.json",
		},
		&cli.StringFlag{
			Name:  "datadir",
			Usage: "data directory, overrides the one of the config",
		},
	}
	app.Commands = append(
		app.Commands,
		&secret,
		&newtrade,
		&importtrade,
		&status,
		&next,
		&refundtx,
		&refund,
		&verifysig,
		&watch,
		&list,
	)
	return app
}

type invalidUsageError struct {
	ctx     *cli.Context
	command string
}

func (e *invalidUsageError) Error() string {
	return fmt.Sprintf("invalid usage of command %s", e.command)
}

func fatal(err error) {
	var e *invalidUsageError
	if errors.As(err, &e) {
		_ = cli.ShowCommandHelp(e.ctx, e.command)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "[xcat] %v\n", err)
	}
	os.Exit(1)
}

// requireArgs returns an invalidUsageError if the command got fewer
// arguments than n.
func requireArgs(ctx *cli.Context, n int) error {
	if ctx.NArg() < n {
		return &invalidUsageError{ctx, ctx.Command.Name}
	}
	return nil
}

func printJSON(ctx *cli.Context, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Errorf("unable to encode response: %w", err)
	}
	_, err = fmt.Fprintln(ctx.App.Writer, string(buf))
	return err
}

func printf(ctx *cli.Context, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(ctx.App.Writer, format, a...)
}

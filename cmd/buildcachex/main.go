package main

import (
	"fmt"
	"os"

	"github.com/Southclaws/fault/fmsg"
	"github.com/urfave/cli/v2"

	"github.com/gostratum/buildcachex"
	_ "github.com/gostratum/buildcachex/adapters/filesystem"
	_ "github.com/gostratum/buildcachex/adapters/gcs"
	_ "github.com/gostratum/buildcachex/adapters/s3"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "directory holding base.yaml and optional $APP_ENV.yaml (defaults to ./configs)",
	},
	&cli.StringFlag{
		Name:  "provider",
		Usage: "storage backend: gcs, s3 or filesystem",
	},
	&cli.StringFlag{
		Name:  "bucket",
		Usage: "bucket holding the cache entries",
	},
	&cli.StringFlag{
		Name:  "prefix",
		Usage: "prefix prepended to every cache key",
	},
	&cli.BoolFlag{
		Name:  "push",
		Usage: "allow storing and deleting entries",
	},
	&cli.BoolFlag{
		Name:  "test-mode",
		Usage: "use a throwaway local filesystem cache",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
}

func main() {
	app := createApp()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}

func createApp() *cli.App {
	return &cli.App{
		Name:  "buildcachex",
		Usage: "Serve and inspect a remote build cache on GCS, S3 or local disk",
		Flags: flags,
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
			getCommand(),
			putCommand(),
			deleteCommand(),
		},
	}
}

// describeError renders err for the operator, preferring the remediation of
// a configuration error over the wrapped chain.
func describeError(err error) string {
	if remediation := buildcachex.Remediation(err); remediation != "" {
		return fmt.Sprintf("Error: %s\n\n%s", err, remediation)
	}
	if issue := fmsg.GetIssue(err); issue != "" {
		return fmt.Sprintf("Error: %s\n\n%s", err, issue)
	}
	return "Error: " + err.Error()
}

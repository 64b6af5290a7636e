package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/whyrusleeping/go-webvh"
	"github.com/whyrusleeping/go-webvh/agent"
	"github.com/whyrusleeping/go-webvh/pipeline"
	"github.com/whyrusleeping/go-webvh/store"
)

const (
	defaultAgent  = "http://agent.webvh-tutorial.localhost/"
	defaultIssuer = "did:key:z6MkgKA7yrw5kYSiDuQFcye4bMaJpcfHFry3Bx45pdWh3s8i"
)

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(app.ErrWriter, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "webvh"
	app.Usage = "build a did:webvh log one stage at a time"

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "agent",
			Usage:   "signing agent base URL",
			Value:   defaultAgent,
			EnvVars: []string{"AGENT_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "issuer",
			Usage:   "issuer identifier",
			Value:   defaultIssuer,
			EnvVars: []string{"ISSUER_ID"},
		},
		&cli.StringFlag{
			Name:    "outputs",
			Usage:   "artifact directory",
			Value:   "outputs",
			EnvVars: []string{"WEBVH_OUTPUTS"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "signing agent request timeout",
			Value: 10 * time.Second,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Value: "info",
		},
	}

	app.Before = func(cctx *cli.Context) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cctx.String("log-level"))); err != nil {
			return fmt.Errorf("%w: %w", pipeline.ErrUsage, err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cctx.App.ErrWriter, &slog.HandlerOptions{Level: level})))
		slog.Debug("starting", "issuer", cctx.String("issuer"), "agent", cctx.String("agent"))
		return nil
	}

	app.ExitErrHandler = func(cctx *cli.Context, err error) {
		if errors.Is(err, pipeline.ErrUsage) {
			err = cli.Exit(err.Error(), 2)
		}
		cli.HandleExitCoder(err)
	}

	app.Commands = []*cli.Command{
		configureCmd,
		generateKeyCmd,
		setParametersCmd,
		prepareSCIDInputCmd,
		computeSCIDCmd,
		addVMCmd,
		finalizeVersionCmd,
		signEntryCmd,
		commitEntryCmd,
		verifyHistoryCmd,
		configCmd,
	}

	return app
}

func newPipeline(cctx *cli.Context) (*pipeline.Pipeline, error) {
	st, err := store.NewFileStore(cctx.String("outputs"))
	if err != nil {
		return nil, err
	}

	client, err := agent.NewClient(cctx.String("agent"),
		agent.WithTimeout(cctx.Duration("timeout")),
		agent.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrUsage, err)
	}

	return pipeline.New(st, client, pipeline.WithLogger(slog.Default())), nil
}

func printJSON(cctx *cli.Context, v any) error {
	b, err := store.Encode(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(cctx.App.Writer, string(b))
	return nil
}

var configureCmd = &cli.Command{
	Name:    "configure",
	Aliases: []string{"new-did"},
	Usage:   "start a new DID document from a DID location URL",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "auto",
			Usage: "create the genesis and second entries in one go",
		},
		&cli.StringFlag{
			Name:  "origin",
			Usage: "the DID location URL, e.g. https://example.com",
		},
	},
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		doc, err := p.Configure(cctx.Context, cctx.String("origin"), cctx.Bool("auto"))
		if err != nil {
			return err
		}
		return printJSON(cctx, doc)
	},
}

var generateKeyCmd = &cli.Command{
	Name:    "generate-key",
	Aliases: []string{"new-key"},
	Usage:   "create a new key pair in the signing agent",
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		mk, err := p.GenerateKey(cctx.Context)
		if err != nil {
			return err
		}

		fmt.Fprintf(cctx.App.Writer, "Public Multikey: %s\n", mk)
		return nil
	},
}

var setParametersCmd = &cli.Command{
	Name:    "set-parameters",
	Aliases: []string{"did-params"},
	Usage:   "set the method version and update key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "method",
			Value: webvh.LatestMethodVersion,
		},
		&cli.StringFlag{
			Name:  "update-key",
			Usage: "use this Multikey instead of creating one",
		},
	},
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		params, err := p.SetParameters(cctx.Context, cctx.String("method"), cctx.String("update-key"))
		if err != nil {
			return err
		}
		return printJSON(cctx, params)
	},
}

var prepareSCIDInputCmd = &cli.Command{
	Name:    "prepare-scid-input",
	Aliases: []string{"gen-scid-input"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "version-time",
			Usage: "RFC 3339 version time, defaults to now",
		},
	},
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		input, err := p.PrepareSCIDInput(cctx.String("version-time"))
		if err != nil {
			return err
		}
		return printJSON(cctx, input)
	},
}

var computeSCIDCmd = &cli.Command{
	Name:    "compute-scid",
	Aliases: []string{"gen-scid-value"},
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		scid, _, err := p.ComputeSCID()
		if err != nil {
			return err
		}

		fmt.Fprintf(cctx.App.Writer, "Calculated SCID: %s\n", scid)
		return nil
	},
}

var addVMCmd = &cli.Command{
	Name:    "add-verification-method",
	Aliases: []string{"add-vm"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "multikey",
			Usage: "public Multikey to add, a new key is created when empty",
		},
	},
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		_, draft, err := p.AddVerificationMethod(cctx.Context, cctx.String("multikey"))
		if err != nil {
			return err
		}
		return printJSON(cctx, draft)
	},
}

var finalizeVersionCmd = &cli.Command{
	Name:    "finalize-version",
	Aliases: []string{"gen-version-id"},
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		entry, err := p.FinalizeVersion(cctx.Context)
		if err != nil {
			return err
		}
		return printJSON(cctx, entry)
	},
}

var signEntryCmd = &cli.Command{
	Name:    "sign-entry",
	Aliases: []string{"add-proof"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name: "update-key",
		},
	},
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		entry, err := p.SignEntry(cctx.Context, cctx.String("update-key"))
		if err != nil {
			return err
		}
		return printJSON(cctx, entry)
	},
}

var commitEntryCmd = &cli.Command{
	Name:    "commit-entry",
	Aliases: []string{"new-line"},
	Usage:   "append the signed entry to did.jsonl and publish the did:web document",
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		res, err := p.CommitEntry()
		if err != nil {
			return err
		}

		if res.Committed {
			fmt.Fprintln(cctx.App.Writer, "New log line added to log file!")
		} else {
			fmt.Fprintln(cctx.App.Writer, "No log line to add.")
		}
		return nil
	},
}

var verifyHistoryCmd = &cli.Command{
	Name:  "verify-history",
	Usage: "replay did.jsonl and check every proof",
	Action: func(cctx *cli.Context) error {
		p, err := newPipeline(cctx)
		if err != nil {
			return err
		}

		head, err := p.VerifyHistory()
		if err != nil {
			return err
		}

		fmt.Fprintf(cctx.App.Writer, "%s: %d entries verified, head %s\n", head.Document.ID, head.VersionNumber, head.VersionID)
		return nil
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "print the effective configuration",
	Action: func(cctx *cli.Context) error {
		return printJSON(cctx, map[string]string{
			"agent":   cctx.String("agent"),
			"issuer":  cctx.String("issuer"),
			"outputs": cctx.String("outputs"),
			"timeout": cctx.Duration("timeout").String(),
		})
	},
}

package proof

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/nspcc-dev/vdb/cli/cmdargs"
	"github.com/nspcc-dev/vdb/cli/options"
	"github.com/nspcc-dev/vdb/pkg/core/vdb"
	"github.com/nspcc-dev/vdb/pkg/util"
	"github.com/urfave/cli"
)

var (
	errNoInput     = errors.New("no proof file given, use --in")
	errNoSelector  = errors.New("either --root or --seq must be given")
	errNoJournal   = errors.New("journal is disabled in the configuration")
	errBadPreState = errors.New("proof doesn't match the pre-state root")
	errBadNewState = errors.New("writes don't lead to the post-state root")
)

var binaryFlag = cli.BoolFlag{
	Name:  "binary, b",
	Usage: "use binary proof encoding instead of JSON",
}

// NewCommands returns 'proof' command.
func NewCommands() []cli.Command {
	journalFlags := append([]cli.Flag{binaryFlag}, options.Store...)
	return []cli.Command{{
		Name:  "proof",
		Usage: "Verify and inspect commit proofs",
		Subcommands: []cli.Command{
			{
				Name:      "verify",
				Usage:     "Verify a commit proof",
				UsageText: "vdb proof verify -i proof.json [--binary] [--old-root root] [--writes k=v[,k=v...]]",
				Description: `Checks that all paths of the proof lead to the old root. The root embedded
   into the proof is used unless --old-root is given. If --writes are given,
   it also checks that applying them to the old state yields the new root.

` + cmdargs.WritesParsingDoc,
				Action: verify,
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:  "in, i",
						Usage: "proof file",
					},
					binaryFlag,
					cli.StringFlag{
						Name:  "old-root",
						Usage: "expected pre-state root",
					},
					cli.StringFlag{
						Name:  "writes",
						Usage: "writes of the committed transaction",
					},
				},
			},
			{
				Name:      "get",
				Usage:     "Print a journaled proof",
				UsageText: "vdb proof get --root root | --seq n [--binary] [--config-file file]",
				Action:    get,
				Flags: append([]cli.Flag{
					cli.StringFlag{
						Name:  "root",
						Usage: "post-state root of the commit",
					},
					cli.Uint64Flag{
						Name:  "seq",
						Usage: "journal sequence number of the commit",
					},
				}, journalFlags...),
			},
			{
				Name:      "last",
				Usage:     "Print latest journaled proofs",
				UsageText: "vdb proof last [-n count] [--config-file file]",
				Action:    last,
				Flags: append([]cli.Flag{
					cli.IntFlag{
						Name:  "count, n",
						Value: 10,
						Usage: "number of proofs to print",
					},
				}, options.Store...),
			},
		},
	}}
}

func readProof(path string, binary bool) (*vdb.Proof, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read proof: %w", err)
	}
	if binary {
		return vdb.NewProofFromBytes(data)
	}
	p := new(vdb.Proof)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("can't parse proof: %w", err)
	}
	return p, nil
}

func verify(ctx *cli.Context) error {
	if err := cmdargs.EnsureNone(ctx); err != nil {
		return err
	}
	in := ctx.String("in")
	if len(in) == 0 {
		return cli.NewExitError(errNoInput, 1)
	}
	p, err := readProof(in, ctx.Bool("binary"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	oldRoot := p.OldRoot
	if s := ctx.String("old-root"); len(s) != 0 {
		oldRoot, err = util.Uint256DecodeString(s)
		if err != nil {
			return cli.NewExitError(fmt.Errorf("invalid old root: %w", err), 1)
		}
	}
	if !vdb.VerifyProof(p, oldRoot) {
		return cli.NewExitError(fmt.Errorf("%w %s", errBadPreState, oldRoot), 1)
	}
	fmt.Fprintf(ctx.App.Writer, "Pre-state: OK, %d keys, root %s\n", len(p.Paths), oldRoot)

	if ctx.IsSet("writes") {
		writes, err := cmdargs.ParseWrites(ctx.String("writes"))
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		if !p.VerifyTransition(writes) {
			return cli.NewExitError(fmt.Errorf("%w %s", errBadNewState, p.NewRoot), 1)
		}
		fmt.Fprintf(ctx.App.Writer, "Transition: OK, %d writes, root %s\n", len(writes), p.NewRoot)
	}
	return nil
}

// openJournal opens the configured journal for reading only, so it's never
// created or modified by proof commands.
func openJournal(ctx *cli.Context) (*vdb.Journal, error) {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	jCfg := cfg.ApplicationConfiguration.Journal
	if !jCfg.Enabled {
		return nil, errNoJournal
	}
	jCfg.DBConfiguration.LevelDBOptions.ReadOnly = true
	jCfg.DBConfiguration.BoltDBOptions.ReadOnly = true
	log, _, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration.Logger)
	if err != nil {
		return nil, err
	}
	return vdb.NewJournal(jCfg, log)
}

func get(ctx *cli.Context) error {
	if err := cmdargs.EnsureNone(ctx); err != nil {
		return err
	}
	if !ctx.IsSet("root") && !ctx.IsSet("seq") {
		return cli.NewExitError(errNoSelector, 1)
	}
	j, err := openJournal(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer j.Close()

	var p *vdb.Proof
	if ctx.IsSet("root") {
		root, err := util.Uint256DecodeString(ctx.String("root"))
		if err != nil {
			return cli.NewExitError(fmt.Errorf("invalid root: %w", err), 1)
		}
		p, err = j.Get(root)
		if err != nil {
			return cli.NewExitError(err, 1)
		}
	} else {
		p, err = j.GetBySeq(ctx.Uint64("seq"))
		if err != nil {
			return cli.NewExitError(err, 1)
		}
	}
	return printProofs(ctx, ctx.Bool("binary"), p)
}

func last(ctx *cli.Context) error {
	if err := cmdargs.EnsureNone(ctx); err != nil {
		return err
	}
	j, err := openJournal(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer j.Close()

	proofs, err := j.Last(ctx.Int("count"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	return printProofs(ctx, false, proofs...)
}

func printProofs(ctx *cli.Context, binary bool, proofs ...*vdb.Proof) error {
	for _, p := range proofs {
		if binary {
			b, err := p.Bytes()
			if err != nil {
				return cli.NewExitError(err, 1)
			}
			fmt.Fprintf(ctx.App.Writer, "%x\n", b)
			continue
		}
		b, err := json.Marshal(p)
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		fmt.Fprintln(ctx.App.Writer, string(b))
	}
	return nil
}

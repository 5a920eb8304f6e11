package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/nspcc-dev/vdb/cli/proof"
	"github.com/nspcc-dev/vdb/cli/store"
	"github.com/nspcc-dev/vdb/pkg/config"
	"github.com/urfave/cli"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "VDB\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a VDB instance of [cli.App] with all commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "vdb"
	ctl.Version = config.Version
	ctl.Usage = "Verifiable in-memory key-value store"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, store.NewCommands()...)
	ctl.Commands = append(ctl.Commands, proof.NewCommands()...)
	return ctl
}

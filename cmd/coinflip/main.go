package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version   kong.VersionFlag `short:"v" help:"Show version"`
	Server    ServerCmd        `cmd:"" help:"Run the contest server"`
	Watch     WatchCmd         `cmd:"" help:"Watch a contest live in the terminal"`
	Play      PlayCmd          `cmd:"" help:"Play a contest automatically as one address"`
	Reconcile ReconcileCmd     `cmd:"" help:"Settle completed contests that are still owed a settlement"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("coinflip"),
		kong.Description("Real-time multi-party coin-flip contests"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

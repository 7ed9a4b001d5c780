package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/telekom/ssoctl/pkg/sso"
	ssoctlcmd "github.com/telekom/ssoctl/pkg/ssoctl/cmd"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := ssoctlcmd.DefaultConfig()
	cfg.Context = ctx
	root := ssoctlcmd.NewRootCommand(cfg)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error: "+sso.UserMessage(err))
		return 1
	}
	return 0
}

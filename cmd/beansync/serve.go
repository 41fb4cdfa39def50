package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/scott-cotton/cli"

	"github.com/signadot/beansync/server"
)

func serve(cfg *ServeConfig, cc *cli.Context, args []string) error {
	_, err := cfg.Serve.Parse(cc, args)
	if err != nil {
		return err
	}

	if cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			fmt.Fprintf(cc.Out, "gops agent failed: %v\n", err)
		} else {
			defer agent.Close()
		}
	}

	conf := server.DefaultConfig()
	if cfg.ConfigFile != "" {
		conf, err = server.LoadConfig(cfg.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if cfg.Addr != "" {
		conf.HTTP.Addr = cfg.Addr
	}
	if cfg.RPCAddr != "" {
		conf.RPC.Addr = cfg.RPCAddr
	}

	controllers, err := demoControllers()
	if err != nil {
		return err
	}
	srv, err := server.New(&server.Spec{
		Config:      conf,
		Classes:     demoClasses(),
		Controllers: controllers,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(cc.Out, "beansync listening on %s\n", conf.HTTP.Addr)
	return srv.Run(ctx)
}

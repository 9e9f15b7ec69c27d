package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sidgwick/revtunnel/internal/config"
	"github.com/sidgwick/revtunnel/internal/localserver"
	"github.com/sidgwick/revtunnel/internal/logging"
	"github.com/sidgwick/revtunnel/internal/remoteserver"
)

var help = `
  Usage: revtunnel [local|remote] <config.yaml>

  Commands:
    local  - run the public-facing side: expose proxy_list ports, dial
             remote-server tunnels
    remote - run the NAT'd side: accept tunnels, dial 127.0.0.1 backends

  If no subcommand is given, the mode is inferred from the config file's
  top-level keys (remote-server present => local, bind present => remote).
`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc, log logging.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	select {
	case <-sig:
		log.Infof("SIGINT received; shutting down")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, help)
		os.Exit(2)
	}

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	log := logging.New("revtunnel", level)

	mode := ""
	path := args[0]
	if len(args) >= 2 {
		mode = args[0]
		path = args[1]
	}

	if mode == "" {
		detected, err := config.DetectMode(path)
		if err != nil {
			log.Fatalf("%v", err)
		}
		mode = detected
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigIntHandler(ctx, cancel, log)

	var err error
	switch mode {
	case "local":
		err = runLocal(ctx, path, log)
	case "remote":
		err = runRemote(ctx, path, log)
	default:
		log.Fatalf("unknown mode %q (want local or remote)", mode)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func runLocal(ctx context.Context, path string, log logging.Logger) error {
	cfg, err := config.LoadLocal(path)
	if err != nil {
		return err
	}
	watcher, err := config.WatchLocal(path, cfg, log.Fork("config"))
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	srv := localserver.New(cfg, log.Fork("local"))
	return srv.Run(ctx, cfg)
}

func runRemote(ctx context.Context, path string, log logging.Logger) error {
	cfg, err := config.LoadRemote(path)
	if err != nil {
		return err
	}
	srv := remoteserver.New(log.Fork("remote"))
	return srv.Run(ctx, cfg.Bind)
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/daemon"
	"github.com/matheus3301/warelay/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	portFlag := flag.Int("port", 0, "listen port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}

	sessionName := session.Resolve(*sessionFlag, cfg)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
	)

	app.Run()
}

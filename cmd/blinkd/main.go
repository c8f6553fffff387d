package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jamie/blinkchat/internal/daemon"
	"github.com/jamie/blinkchat/internal/session"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

func main() {
	// Optional .env for BLINKCHAT_* overrides; absence is fine.
	_ = godotenv.Load()

	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile}),
	)

	app.Run()
}

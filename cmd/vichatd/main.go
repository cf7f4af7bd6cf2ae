package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nmtri/vichat/internal/daemon"
	"github.com/nmtri/vichat/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	scopeFlag := flag.String("scope", "", "conversation scope filter, e.g. shop")
	flag.Parse()

	// Local development convenience: VICHAT_* overrides from a .env file.
	_ = godotenv.Load()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profileName, Scope: *scopeFlag}),
	)

	app.Run()
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"dyzen-server-go/internal/bootstrap"
)

func main() {
	flags := pflag.NewFlagSet("dyzen-server", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to config.yaml (default $DYZEN_CONFIG or ./config.yaml)")
	noDotEnv := flags.Bool("no-dotenv", false, "skip loading .env")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	fmt.Printf("[%s] [INFO] [BOOT] starting dyzen-server...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	err := bootstrap.Run(context.Background(), bootstrap.Options{
		ConfigPath: *configPath,
		DotEnv:     !*noDotEnv,
	})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "dyzen-server failed: %v\n", err)
		os.Exit(1)
	}
}

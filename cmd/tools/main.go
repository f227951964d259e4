package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/subcommands"

	"github.com/3FT-io/dermascan/pkg/logger"
)

func main() {
	logger, err := logger.New(os.Getenv("DERMASCAN_LOG_LEVEL"))
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&splitCmd{}, "dataset")
	subcommands.Register(&renameCmd{}, "dataset")
	subcommands.Register(&catalogCmd{}, "dataset")
	subcommands.Register(&initModelCmd{}, "model")
	subcommands.Register(&loadgenCmd{}, "testing")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background(), logger)))
}

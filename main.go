package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
)

func main() {
	// Subcommand routing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			cmdStatus(os.Args[2:])
			return
		case "settings":
			cmdSettings(os.Args[2:])
			return
		case "version", "-version", "--version":
			fmt.Printf("chatrelay %s\n", relayVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		case "serve":
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
		}
	}

	configPath := flag.String("config", "", "config file path (default ./config.json)")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := tryLoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: init logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	setDefaultLogger(logger)

	logInfo("chatrelay starting", "version", relayVersion, "config", cfg.path)

	// Run blocks until SIGINT/SIGTERM, then runs the stop hooks.
	fx.New(relayModule(cfg, logger)).Run()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chatrelay %s: OpenAI-compatible relay to a single browser worker

Usage:
  chatrelay [serve] [-config path]      run the relay
  chatrelay status [--json]             show a running relay's state
  chatrelay settings [--policy queue|drop] [--timeout 90s]
                                        show or change runtime settings
  chatrelay version                     print version
`, relayVersion)
}

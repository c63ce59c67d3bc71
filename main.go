// Command diskimg inspects and converts disk images.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go-diskimage/pkg/config"
	"go-diskimage/pkg/log"
)

const usage = `usage: diskimg [-config file] [-v] <command> [arguments]

commands:
  info <image>...              print the metadata of each image as JSON
  map <image>                  print the allocation map as JSON
  convert [-sparse] <image> <raw>
                               export the logical contents to a raw file
  check <image>                verify the refcounts of a qcow2 image
  create [-format qcow] -size <bytes> <image>
                               create an empty image
  partitions <image>           list the partitions of an image
`

var errUsage = errors.New("invalid arguments")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// env is shared by the commands of one invocation.
type env struct {
	cfg    *config.Config
	stdout io.Writer
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("diskimg", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "YAML configuration file")
	verbose := fs.Bool("v", false, "log debug messages")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *verbose {
		cfg.Verbose = true
	}
	logger := log.NewDefaultLogger(cfg.Verbose)
	if err := logger.SetLevel(cfg.Level()); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	log.SetLogger(logger)

	if fs.NArg() == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	e := &env{cfg: cfg, stdout: stdout}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "info":
		return e.info(rest)
	case "map":
		return e.mapImage(rest)
	case "convert":
		return e.convert(rest)
	case "check":
		return e.check(rest)
	case "create":
		return e.create(rest)
	case "partitions":
		return e.partitions(rest)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// vaultctl inspects and edits an agent state directory directly, without a
// running vault. Do not point it at a directory a vault is serving.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nidhogg/agentvault/internal/agent"
	"github.com/nidhogg/agentvault/internal/config"
	"github.com/nidhogg/agentvault/internal/persist"
	"github.com/nidhogg/agentvault/internal/registry"
	"github.com/nidhogg/agentvault/internal/serial"
	"github.com/nidhogg/agentvault/internal/state"
	"github.com/nidhogg/agentvault/internal/tool"
)

func main() {
	_ = godotenv.Load()
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	dir       string
	keepFiles bool
	output    string
	merge     bool
	verbose   bool
}

func run(ctx context.Context, argv []string, stdout io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("vaultctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.dir, "dir", "", "state base directory (default $"+config.EnvStateDir+" or ./data)")
	flagSet.BoolVar(&opts.keepFiles, "keep-files", false, "delete: keep the stored state")
	flagSet.StringVarP(&opts.output, "output", "o", "", "export: write to this file instead of stdout")
	flagSet.BoolVar(&opts.merge, "merge", false, "import: merge into the existing state")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")
	flagSet.SetOutput(io.Discard)

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(stdout, flagSet)
		return nil
	}

	if opts.dir == "" {
		opts.dir = os.Getenv(config.EnvStateDir)
	}
	if opts.dir == "" {
		opts.dir = "./data"
	}

	logger := zap.NewNop()
	if opts.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
		defer logger.Sync()
	}

	v, err := openVault(opts.dir, logger)
	if err != nil {
		return err
	}
	defer v.close(ctx)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return v.list(ctx, stdout)
	case "summary":
		if err := arity(cmd, rest, 1); err != nil {
			return err
		}
		return v.summary(ctx, stdout, rest[0])
	case "create":
		if err := arity(cmd, rest, 1); err != nil {
			return err
		}
		if _, err := v.reg.Create(ctx, rest[0], state.Config{}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "created %s\n", rest[0])
		return nil
	case "delete":
		if err := arity(cmd, rest, 1); err != nil {
			return err
		}
		if err := v.reg.Delete(ctx, rest[0], !opts.keepFiles); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", rest[0])
		return nil
	case "clone":
		if err := arity(cmd, rest, 2); err != nil {
			return err
		}
		if _, err := v.reg.Clone(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "cloned %s to %s\n", rest[0], rest[1])
		return nil
	case "export":
		if err := arity(cmd, rest, 1); err != nil {
			return err
		}
		return v.export(ctx, stdout, rest[0], opts.output)
	case "import":
		if err := arity(cmd, rest, 2); err != nil {
			return err
		}
		return v.importFile(ctx, stdout, rest[0], rest[1], opts.merge)
	case "add-tools":
		if err := arity(cmd, rest, 2); err != nil {
			return err
		}
		return v.addTools(ctx, stdout, rest[0], rest[1])
	case "sweep":
		n, err := v.files.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %d temporary files\n", n)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func arity(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, n, len(args))
	}
	return nil
}

type vault struct {
	files *state.FileStore
	reg   *registry.Registry
}

func openVault(dir string, logger *zap.Logger) (*vault, error) {
	fs, err := state.NewFileStore(dir, state.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	catalog := tool.NewCatalog()
	tool.RegisterBuiltins(catalog)
	reg := registry.New(fs, func(id string, cfg state.Config) (persist.Delegate, error) {
		return agent.NewEngine(id, agent.Options{Model: cfg.Model, Logger: logger}), nil
	}, registry.WithLogger(logger), registry.WithSerializer(serial.NewEngine(catalog, logger)))
	return &vault{files: fs, reg: reg}, nil
}

func (v *vault) close(ctx context.Context) {
	if err := v.reg.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	v.files.Close()
}

// existing returns the agent for id, refusing identities with no stored
// state so that read commands never conjure a fresh agent.
func (v *vault) existing(ctx context.Context, id string) (*persist.Agent, error) {
	ok, err := state.Exists(ctx, v.files, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, state.ErrNotFound)
	}
	return v.reg.Get(ctx, id)
}

func (v *vault) list(ctx context.Context, w io.Writer) error {
	ids, err := v.reg.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func (v *vault) summary(ctx context.Context, w io.Writer, id string) error {
	s, err := v.reg.Summary(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "identity: %s\n", s.Identity)
	fmt.Fprintf(w, "model:    %s\n", s.Config.Model)
	if !s.SavedAt.IsZero() {
		fmt.Fprintf(w, "saved:    %s\n", s.SavedAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	fmt.Fprintf(w, "tools:    %s\n", strings.Join(s.Tools, ", "))
	fmt.Fprintf(w, "data:     %s\n", strings.Join(s.Data, ", "))
	fmt.Fprintf(w, "software: %s\n", strings.Join(s.Software, ", "))
	return nil
}

func (v *vault) export(ctx context.Context, w io.Writer, id, output string) error {
	a, err := v.existing(ctx, id)
	if err != nil {
		return err
	}
	if output == "" {
		return a.Export(w)
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := a.Export(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (v *vault) importFile(ctx context.Context, w io.Writer, id, path string, merge bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := v.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.Import(ctx, f, merge); err != nil {
		return err
	}
	s := a.Summary()
	fmt.Fprintf(w, "imported into %s: %d tools, %d data, %d software\n", id, len(s.Tools), len(s.Data), len(s.Software))
	return nil
}

func (v *vault) addTools(ctx context.Context, w io.Writer, id, dir string) error {
	scripts, err := tool.LoadScripts(dir)
	if err != nil {
		return err
	}
	if len(scripts) == 0 {
		return fmt.Errorf("no script tools in %s", dir)
	}
	a, err := v.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if err := a.AddTool(ctx, s); err != nil {
			return fmt.Errorf("add %s: %w", s.Name(), err)
		}
		fmt.Fprintf(w, "added %s\n", s.Name())
	}
	return nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `vaultctl manages persisted agent states.

Usage:
  vaultctl [flags] <command> [args]

Commands:
  list                        list stored agents
  summary <id>                show an agent's tools, data and software
  create <id>                 create an empty agent
  delete <id> [--keep-files]  delete an agent
  clone <src> <dst>           copy an agent
  export <id> [-o file]       write an agent's state document
  import <id> <file> [--merge]
                              load a state document into an agent
  add-tools <id> <dir>        attach the script tools found in dir
  sweep                       remove leftover temporary files

Flags:
%s`, flagSet.FlagUsages())
}

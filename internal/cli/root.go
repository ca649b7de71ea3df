// Package cli implements the drgn-index command line interface.
package cli

import (
	"debug/dwarf"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	drgnerrors "github.com/jeffmahoney/drgn/internal/errors"
	"github.com/jeffmahoney/drgn/internal/logging"
	"github.com/jeffmahoney/drgn/pkg/dwarfindex"
	"github.com/jeffmahoney/drgn/pkg/version"
)

var tagNames = map[string]dwarfindex.Tag{
	"base_type":        dwarfindex.TagBaseType,
	"class_type":       dwarfindex.TagClassType,
	"enumeration_type": dwarfindex.TagEnumerationType,
	"structure_type":   dwarfindex.TagStructureType,
	"typedef":          dwarfindex.TagTypedef,
	"union_type":       dwarfindex.TagUnionType,
	"enumerator":       dwarfindex.TagEnumerator,
	"subprogram":       dwarfindex.TagSubprogram,
	"variable":         dwarfindex.TagVariable,
}

type options struct {
	configPath string
	logLevel   string
	pretty     bool
	workers    int

	types       bool
	variables   bool
	enumerators bool
	functions   bool

	name string
	tags []string
	all  bool
}

// NewRootCmd builds the drgn-index root command.
func NewRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "drgn-index [flags] PATH...",
		Short: "Index the DWARF debugging information of ELF files",
		Long: `drgn-index builds a name index over the DWARF debugging information of
one or more ELF files and queries it.

With --name, the entries indexed under that name are printed; with
--all, every indexed entry is printed; otherwise a summary is logged.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default $DRGN_INDEX_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", true, "human-readable log output")
	flags.IntVar(&opts.workers, "workers", 0, "indexing worker count (0 = GOMAXPROCS)")
	flags.BoolVar(&opts.types, "types", false, "index types")
	flags.BoolVar(&opts.variables, "variables", false, "index variables")
	flags.BoolVar(&opts.enumerators, "enumerators", false, "index enumerators")
	flags.BoolVar(&opts.functions, "functions", false, "index functions")
	flags.StringVar(&opts.name, "name", "", "look up entries indexed under this name")
	flags.StringSliceVar(&opts.tags, "tag", nil, "restrict matches to these DWARF tags")
	flags.BoolVar(&opts.all, "all", false, "print every indexed entry")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("drgn-index %s\n", version.String())
		},
	}
}

func run(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	// Flags override the config file.
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Pretty = opts.pretty
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = opts.workers
	}
	if opts.types || opts.variables || opts.enumerators || opts.functions {
		cfg.Index.Types = opts.types
		cfg.Index.Variables = opts.variables
		cfg.Index.Enumerators = opts.enumerators
		cfg.Index.Functions = opts.functions
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	var flags dwarfindex.Flags
	if cfg.Index.Types {
		flags |= dwarfindex.IndexTypes
	}
	if cfg.Index.Variables {
		flags |= dwarfindex.IndexVariables
	}
	if cfg.Index.Enumerators {
		flags |= dwarfindex.IndexEnumerators
	}
	if cfg.Index.Functions {
		flags |= dwarfindex.IndexFunctions
	}

	paths := append(cfg.Paths, args...)
	if len(paths) == 0 {
		return fmt.Errorf("no ELF files given")
	}

	tags, err := parseTags(opts.tags)
	if err != nil {
		return err
	}

	ix, err := dwarfindex.New(flags,
		dwarfindex.WithLogger(logger),
		dwarfindex.WithWorkers(cfg.Workers))
	if err != nil {
		return err
	}
	defer drgnerrors.DeferClose(logger, ix, "closing index")

	for _, path := range paths {
		if _, err := ix.Open(path); err != nil {
			return err
		}
	}
	if err := ix.Update(); err != nil {
		return err
	}

	switch {
	case opts.name != "":
		return printEntries(cmd, ix.Lookup(opts.name, tags...))
	case opts.all:
		return printEntries(cmd, ix.IterAll(tags...))
	default:
		logger.Info().Int("files", len(paths)).Msg("index built")
		return nil
	}
}

func parseTags(names []string) ([]dwarfindex.Tag, error) {
	var tags []dwarfindex.Tag
	for _, n := range names {
		tag, ok := tagNames[strings.TrimPrefix(n, "DW_TAG_")]
		if !ok {
			return nil, fmt.Errorf("unknown tag %q", n)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func printEntries(cmd *cobra.Command, it *dwarfindex.Iterator) error {
	n := 0
	for {
		res, err := it.Next()
		if err == dwarfindex.ErrStop {
			break
		}
		if err != nil {
			return err
		}
		name, _ := res.Entry.Val(dwarf.AttrName).(string)
		cmd.Printf("%s\t%s\t%s\t0x%x\n", name, res.Tag, res.Path, res.Offset)
		n++
	}
	cmd.Printf("%d entries\n", n)
	return nil
}

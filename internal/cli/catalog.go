package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/catalog"
)

// NewCatalogCommand creates the catalog command.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with table catalogs",
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Compile a CUE table catalog and list its tables",
		Long: `Compile a CUE table catalog against the catalog schema and list the
resulting tables. Without a file the --catalog flag is used, then the
built-in catalog.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Catalog
			if len(args) == 1 {
				path = args[0]
			}
			return runCatalogValidate(rootOpts, path, cmd)
		},
	}

	cmd.AddCommand(validate)
	return cmd
}

type catalogTable struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Policy   string `json:"policy"`
	TTL      string `json:"ttl,omitempty"`
}

type catalogResult struct {
	Source string         `json:"source"`
	Tables []catalogTable `json:"tables"`
}

func (r catalogResult) renderText(w io.Writer) error {
	fmt.Fprintf(w, "✓ %s: %d tables\n", r.Source, len(r.Tables))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tCATEGORY\tPOLICY\tTTL")
	for _, t := range r.Tables {
		ttl := t.TTL
		if ttl == "" {
			ttl = "default"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Category, t.Policy, ttl)
	}
	return tw.Flush()
}

func runCatalogValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	source := path
	var (
		cat *catalog.Catalog
		err error
	)
	if path == "" {
		source = "built-in"
		cat, err = catalog.Default()
	} else {
		f.VerboseLog("Compiling %s", path)
		cat, err = catalog.LoadFile(path)
	}
	if err != nil {
		return catalogFailure(f, err)
	}

	res := catalogResult{Source: source, Tables: make([]catalogTable, 0, len(cat.Tables))}
	for _, tc := range cat.Tables {
		ct := catalogTable{Name: tc.Name, Category: string(tc.Category), Policy: string(tc.Policy)}
		if tc.TTL > 0 {
			ct.TTL = tc.TTL.String()
		}
		res.Tables = append(res.Tables, ct)
	}
	return f.Success(res)
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/bulk-ingest/pkg/catalog"
)

// runCatalog prints the dataset overview, the content URLs of one
// distribution and, with -schema, the derived column list.
func runCatalog(args []string, out io.Writer) int {
	fs, path := newFlagSet("catalog", "Show dataset metadata, distribution URLs and schema.")
	distribution := fs.Int("distribution", 0, "Distribution index to resolve")
	part := fs.Int("part", -1, "hasPart index to resolve the distribution in (-1 for none)")
	schema := fs.Bool("schema", false, "Print the column schema from variableMeasured")

	ctx, cancel := signalContext()
	defer cancel()

	a, code := setup(ctx, fs, path, args)
	if a == nil {
		return code
	}
	defer a.Close()

	meta, err := catalog.LoadMetadata(a.cfg.Catalog.Files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitSourceUnavailable
	}

	fmt.Fprint(out, catalog.Info(meta).String())

	sel := catalog.Selector{Distribution: *distribution}
	if *part >= 0 {
		sel.Part = part
	}
	loc, err := catalog.Resolve(meta, sel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	fmt.Fprintf(out, "\nDataset: %s\nDistribution: %s\n", loc.Dataset, loc.Distribution)
	for _, u := range loc.URLs {
		fmt.Fprintf(out, "contentUrl: %s\n", u)
	}

	if *schema {
		s, err := catalog.DeriveSchema(meta)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		fmt.Fprintln(out, "\nSchema:")
		for _, c := range s.Columns {
			fmt.Fprintf(out, "  %s\t%s\t%s\n", c.Name, c.Type, c.Description)
		}
	}
	return ExitSuccess
}

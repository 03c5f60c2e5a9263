// inspect dumps the keys (and optionally values) of one column of a
// closed events database. Offline debugging only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"hearth/pkg/dbs"
)

func main() {
	var base, column string
	var values bool
	var limit int
	flag.StringVar(&base, "path", "", "store base path (the directory containing events/)")
	flag.StringVar(&column, "column", dbs.ColEventID, "column name to dump")
	flag.BoolVar(&values, "values", false, "print values as well")
	flag.IntVar(&limit, "limit", 100, "max rows to print (0 = all)")
	flag.Parse()
	if base == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	d, err := dbs.Open(base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	col := d.DB.Column(column)
	if col == nil {
		fmt.Fprintf(os.Stderr, "unknown column %q\n", column)
		os.Exit(2)
	}
	it, err := col.NewIter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "iter: %v\n", err)
		os.Exit(1)
	}
	defer it.Close()

	ctx := context.Background()
	n := 0
	for err = it.First(ctx); err == nil && it.Valid(); err = it.Next(ctx) {
		if values {
			fmt.Printf("%q\t%q\n", it.Key(), it.Value())
		} else {
			fmt.Printf("%q\n", it.Key())
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d rows\n", n)
}

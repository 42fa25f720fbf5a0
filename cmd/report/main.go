package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/go-analyze/bulk"

	"github.com/PatchLens/go-byref/byref"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "byref-report.json", "Survey report to summarize")
	assignableOnly := flag.Bool("assignable", false, "Only list call sites with assignable arguments")
	flag.Parse()

	report, err := byref.ReadReportFile(*reportJsonFile)
	if err != nil {
		log.Fatalf("%s%v", byref.ErrorLogPrefix, err)
	}

	sites := report.Sites
	if *assignableOnly {
		sites = byref.AssignableSites(sites)
	}
	fmt.Printf("%s (instruction set %s): %d call sites, %d resolved, %d assignable arguments\n",
		report.CodeFile, report.Version, report.Summary.Sites, report.Summary.Resolved, report.Summary.Lvalues)
	ops := bulk.MapKeysSlice(report.Summary.ByOp)
	slices.Sort(ops)
	for _, op := range ops {
		fmt.Printf("  %-18s %d\n", op, report.Summary.ByOp[op])
	}
	for _, s := range sites {
		if s.Resolved() {
			fmt.Printf("%s:%d %s %v\n", s.Code, s.Offset, s.Op, s.Args)
		} else {
			fmt.Printf("%s:%d %s %s%s\n", s.Code, s.Offset, s.Op, byref.ErrorLogPrefix, s.Err)
		}
	}
	if report.Summary.Sites != report.Summary.Resolved {
		os.Exit(1)
	}
}

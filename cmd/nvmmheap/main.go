// Command nvmmheap is a small flag-driven tool for exercising a heap
// from the shell, the cmd-line analogue of tools/pools for the
// allocator rather than the teacher's block-size-utilization report.
package main

import (
	"flag"
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"

	"github.com/bnclabs/nvmm/api"
	"github.com/bnclabs/nvmm/heap"
	"github.com/bnclabs/nvmm/log"
)

var options struct {
	root     string
	pool     uint64
	size     string
	minalloc int64
	verbose  bool
}

func argParse() string {
	flag.StringVar(&options.root, "root", "",
		"root directory holding this heap's backing files")
	flag.Uint64Var(&options.pool, "pool", uint64(api.ReservedPoolId),
		"pool id naming the heap")
	flag.StringVar(&options.size, "size", "128MiB",
		"heap size for create, e.g. 128MiB")
	flag.Int64Var(&options.minalloc, "minalloc", 128,
		"minimum allocation granule in bytes, for create")
	flag.BoolVar(&options.verbose, "v", false,
		"enable heap/epoch/zone logging")
	flag.Parse()

	if options.root == "" {
		fmt.Fprintln(os.Stderr, "please provide -root")
		os.Exit(1)
	}
	if options.verbose {
		log.LogComponents("all")
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "please provide a command: create|stat|merge|destroy")
		os.Exit(1)
	}
	return flag.Arg(0)
}

func main() {
	switch argParse() {
	case "create":
		doCreate()
	case "stat":
		doStat()
	case "merge":
		doMerge()
	case "destroy":
		doDestroy()
	default:
		fmt.Fprintln(os.Stderr, "unknown command")
		os.Exit(1)
	}
}

func doCreate() {
	size, err := humanize.ParseBytes(options.size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -size %q: %v\n", options.size, err)
		os.Exit(1)
	}
	h, err := heap.Create(
		options.root, api.PoolId(options.pool), int64(size),
		options.minalloc, api.DefaultMode, nil,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()
	fmt.Printf("created pool=%v size=%v\n", options.pool, humanize.Bytes(uint64(h.Size())))
}

func doStat() {
	h, err := heap.Open(options.root, api.PoolId(options.pool), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()
	mode, _ := h.GetPermission()
	fmt.Printf("pool=%v size=%v mode=%v\n", options.pool, humanize.Bytes(uint64(h.Size())), os.FileMode(mode))
}

func doMerge() {
	h, err := heap.Open(options.root, api.PoolId(options.pool), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()
	h.Merge()
	fmt.Println("merge complete")
}

func doDestroy() {
	if err := heap.Destroy(options.root, api.PoolId(options.pool)); err != nil {
		fmt.Fprintf(os.Stderr, "destroy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("destroyed")
}

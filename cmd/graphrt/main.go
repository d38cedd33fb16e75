// Package main provides the graphrt CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/born-ml/graphrt/internal/archive"
	"github.com/born-ml/graphrt/internal/blobs"
	"github.com/born-ml/graphrt/internal/config"
	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/graph"
	"k8s.io/klog/v2"
)

const version = "v" + graph.Version

var webgpu = flag.Int("webgpu", -1, "register the WebGPU adapter as webgpu:`N` before running the command")

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "graphrt %s - compiled graph runtime\n\n", version)
	fmt.Fprintln(out, "Usage: graphrt [flags] <command> [args]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  version                          Show version")
	fmt.Fprintln(out, "  info <archive>                   Show inputs, outputs and weights of a compiled graph")
	fmt.Fprintln(out, "  push <archive> <store>           Upload an archive under its graph hash")
	fmt.Fprintln(out, "  fetch <store> <hash> <dest>      Download the archive of a graph hash")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "A store is gs://bucket[/prefix] or a directory.")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	ctx := klog.NewContext(context.Background(), klog.Background())
	if err := run(ctx, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return nil
	}
	if *webgpu >= 0 {
		if err := device.RegisterWebGPU(*webgpu); err != nil {
			return err
		}
		klog.FromContext(ctx).V(1).Info("registered webgpu device", "device", device.New(device.WebGPU, *webgpu))
	}
	cmd, args := args[0], args[1:]
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d arguments, got %d", cmd, n, len(args))
		}
		return nil
	}

	switch cmd {
	case "version":
		fmt.Printf("graphrt %s\n", version)
		return nil

	case "info":
		if err := need(1); err != nil {
			return err
		}
		g, err := archive.Load(ctx, args[0], config.FromEnv())
		if err != nil {
			return err
		}
		defer g.Close()
		fmt.Print(g.Info())
		return nil

	case "push":
		if err := need(2); err != nil {
			return err
		}
		store, err := blobs.Open(args[1])
		if err != nil {
			return err
		}
		info, err := blobs.Push(ctx, store, args[0])
		if err != nil {
			return err
		}
		fmt.Println(info.Hash)
		return nil

	case "fetch":
		if err := need(3); err != nil {
			return err
		}
		store, err := blobs.Open(args[0])
		if err != nil {
			return err
		}
		path, err := blobs.Fetch(ctx, store, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graphrt executes compiled computation graphs.
//
// A compiled graph is a directory or zip archive holding a buffer-level execution
// plan, the compiled tasks it runs and, optionally, the weights. Each task carries
// one or more candidate kernels; the first call for a new set of dynamic sizes runs
// an interpreter that profiles the candidates and records the fastest in a
// dispatch table, and later calls with the same sizes launch the whole plan with the
// recorded choices.
//
// # Basic Usage
//
//	g, err := graphrt.Load(ctx, "model.graphrt.zip", graphrt.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer g.Close()
//
//	x, _ := graphrt.FromFloat32(ctx, graphrt.Host, graphrt.Shape{2, 4}, data)
//	outputs, err := g.Run(ctx, []*graphrt.Tensor{x})
//
// # Memory
//
// Device memory comes from block-quantized caching pools, one per device. A pool
// can be scoped to a context with [WithPool]:
//
//	ctx = graphrt.WithPool(ctx, graphrt.NewPool(api, 0, 1<<30))
//
// Outputs returned by Run are owned by the caller and released with
// [Tensor.Release].
package graphrt

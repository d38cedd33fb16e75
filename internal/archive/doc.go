// Package archive saves compiled graphs to zip archives and loads them back.
//
// An archive holds everything needed to run a graph:
//
//	meta.json              graph metadata (signatures, hash, share map)
//	graph_execution.json   execution plan
//	kernels/<i>/task.json  task i with its candidate kernels
//	graph_module/          launcher descriptor
//	weights.npz            weights, one NumPy .npy member per weight (optional)
//	weights.sha256         SHA-256 of weights.npz
//	dispatch_table.txt     recorded kernel choices (optional)
//	graph_string.txt       textual form of the graph
//
// Loading extracts everything but the weights into the cache directory of the
// graph, keyed by the graph hash, which is also the graph's working directory. An
// existing extraction is reused; graph_string.txt is written last and marks it
// complete. Weights are decoded straight from the archive and uploaded to their
// devices in parallel.
//
// Example:
//
//	if err := archive.Save(ctx, g, "model.graphrt", archive.DefaultSaveOptions()); err != nil {
//	    return err
//	}
//	g2, err := archive.Load(ctx, "model.graphrt", config.FromEnv())
package archive

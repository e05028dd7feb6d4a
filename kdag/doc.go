// Package kdag holds the build-time structure of a plan: named steps and the
// predecessor edges declared between them.
//
// # Overview
//
// A plan is declared step by step. Each step names its predecessors, and a
// step may be declared before the predecessors it references, so edges are
// only resolved when the graph is finalized:
//
//	g := kdag.NewGraph()
//	_ = g.AddNode("files", kdag.NodeTypeScanner)
//	_ = g.AddNode("tika", kdag.NodeTypeStep, "files")
//	_ = g.AddNode("solr", kdag.NodeTypeStep, "tika")
//	order, err := g.ConstructionOrder()
//
// ConstructionOrder returns the steps successor-first: every step appears
// after all of its successors, so runtime steps can be built holding direct
// references to their already-built successors.
//
// # Validation
//
//   - Step names start with a letter followed by letters, digits, '_' or '.'
//   - Names are unique
//   - Scanners have no predecessors; every other step has at least one
//   - Every referenced predecessor exists
//   - The graph has no cycles
//
// Structural problems wrap ErrConfiguration; cycles wrap ErrCycleDetected and
// name a step on the cycle. Both are checked with errors.Is.
//
// # Thread Safety
//
// Graph is NOT safe for concurrent use while it is being declared. After
// ConstructionOrder succeeds it is only read.
package kdag

// Package importer reconciles the Store with incoming Topology trees.
//
// An import walks the tree bottom-up, one transaction per Topology:
// existing members are marked dirty, incoming records are matched or
// created, Properties are written per kind from what the whole pass has
// accumulated, and members left dirty are disassociated and, when no
// Topology holds them any more, deleted.
//
// Data problems never abort an import; they are collected in the Report.
// The Resolver folds borrowed copies (elements carrying the
// !-from-topology marker) into their originals once both are stored.
package importer

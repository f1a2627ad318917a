// Package model defines the data shapes shared by the GRENMap node core.
//
// Network elements (Institutions, Nodes, Links) and Topologies are plain
// structs composed of named components: a Location for things that sit
// somewhere on the map, a Lifetime for things that are only valid for a
// while. Kind tags tell the concrete element apart; matches and actions in
// collation Rules are keyed by the same tags.
//
// The package also holds the incoming topology tree handed to the importer
// by an external GRENML parser, and the Ruleset, Rule, MatchCriterion and
// Action records the collation runner executes.
//
// Property names are normalised (NFC, lower case) at every boundary so
// lookups are case-insensitive and stable across peers.
package model

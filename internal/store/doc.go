// Package store provides SQLite-backed storage for a GRENMap node.
//
// The store holds:
//   - Topologies: a parent/child tree, each with an optional owning Institution
//   - Elements: Institutions, Nodes and Links in one table, tagged by kind
//   - Properties: detachable key/value pairs, several per name allowed
//   - Memberships: many-to-many element/Topology associations
//   - Owners: many-to-many element/Institution ownership edges
//   - Rulesets, Rules, Match Criteria and Actions, with the last run of each Rule
//   - Import runs and their reports
//
// # Invariants
//
// Element IDs are not unique at this layer. Duplicates are expected while
// data from several peers is merged, and collation Rules restore
// uniqueness.
//
// A Link always references two distinct Nodes. Deleting a Node deletes the
// Links it anchors (ON DELETE CASCADE), and deleting any element drops its
// Properties, memberships and ownership edges.
//
// All reads order by store key, so listings are deterministic.
//
// # Transactions
//
// Every operation lives on Tx. Store.Update wraps a unit of work in one
// transaction; the importer uses one per Topology phase and the collation
// runner one per Rule.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store

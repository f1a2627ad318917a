package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/grenmap/grenmap-node/internal/model"
)

// ErrTopologyCycle is returned when a parent assignment would make a
// Topology its own ancestor.
var ErrTopologyCycle = errors.New("topology parent cycle")

const topologyColumns = `pk, grenml_id, name, version, parent_pk, owner_pk, main`

// CreateTopology inserts a Topology with its Properties and sets t.PK.
func (t *Tx) CreateTopology(ctx context.Context, topo *model.Topology) error {
	if topo.ID == "" {
		topo.ID = t.newID()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO topologies (grenml_id, name, version, parent_pk, owner_pk, main)
		VALUES (?, ?, ?, ?, ?, ?)
	`, topo.ID, topo.Name, topo.Version, nullPK(topo.ParentPK), nullPK(topo.OwnerPK), topo.Main)
	if err != nil {
		return fmt.Errorf("create topology %s: %w", topo.ID, err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create topology %s: %w", topo.ID, err)
	}
	topo.PK = pk
	return t.ReplaceTopologyProperties(ctx, pk, topo.Properties)
}

// UpdateTopology writes the fields, parent and owner of a Topology.
// Returns ErrTopologyCycle if the new parent is a descendant.
func (t *Tx) UpdateTopology(ctx context.Context, topo model.Topology) error {
	if topo.ParentPK != 0 {
		cyclic, err := t.isAncestor(ctx, topo.PK, topo.ParentPK)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("update topology %s: %w", topo.ID, ErrTopologyCycle)
		}
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE topologies SET grenml_id = ?, name = ?, version = ?, parent_pk = ?, owner_pk = ?, main = ?
		WHERE pk = ?
	`, topo.ID, topo.Name, topo.Version, nullPK(topo.ParentPK), nullPK(topo.OwnerPK), topo.Main, topo.PK)
	if err != nil {
		return fmt.Errorf("update topology %s: %w", topo.ID, err)
	}
	return expectOne(res, "update topology", topo.PK)
}

// isAncestor reports whether pk is startPK or one of its ancestors.
// A parent chain that loops on itself counts as a cycle.
func (t *Tx) isAncestor(ctx context.Context, pk, startPK int64) (bool, error) {
	seen := make(map[int64]bool)
	for cur := startPK; cur != 0; {
		if cur == pk {
			return true, nil
		}
		if seen[cur] {
			return true, nil
		}
		seen[cur] = true

		var parent sql.NullInt64
		err := t.tx.QueryRowContext(ctx, `SELECT parent_pk FROM topologies WHERE pk = ?`, cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("walk topology parents: %w", err)
		}
		cur = parent.Int64
	}
	return false, nil
}

// ReplaceTopologyProperties swaps the whole Property set of a Topology.
func (t *Tx) ReplaceTopologyProperties(ctx context.Context, pk int64, props model.Properties) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM topology_properties WHERE topology_pk = ?`, pk); err != nil {
		return fmt.Errorf("clear topology properties of %d: %w", pk, err)
	}
	for _, p := range props.Normalize() {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO topology_properties (topology_pk, name, value) VALUES (?, ?, ?)`,
			pk, p.Name, p.Value,
		); err != nil {
			return fmt.Errorf("write topology property %s of %d: %w", p.Name, pk, err)
		}
	}
	return nil
}

// GetTopology loads one Topology by store key.
func (t *Tx) GetTopology(ctx context.Context, pk int64) (model.Topology, error) {
	topos, err := t.queryTopologies(ctx, "pk = ?", pk)
	if err != nil {
		return model.Topology{}, err
	}
	if len(topos) == 0 {
		return model.Topology{}, fmt.Errorf("topology %d: %w", pk, ErrNotFound)
	}
	return topos[0], nil
}

// FindTopology returns the Topology with the given ID. Topology IDs are
// unique in practice; the oldest wins if they are not.
func (t *Tx) FindTopology(ctx context.Context, id string) (model.Topology, error) {
	topos, err := t.queryTopologies(ctx, "grenml_id = ?", id)
	if err != nil {
		return model.Topology{}, err
	}
	if len(topos) == 0 {
		return model.Topology{}, fmt.Errorf("topology %s: %w", id, ErrNotFound)
	}
	return topos[0], nil
}

// FindTopologyByName returns the Topology with the given name directly
// under parentPK (zero for a root).
func (t *Tx) FindTopologyByName(ctx context.Context, name string, parentPK int64) (model.Topology, error) {
	var (
		topos []model.Topology
		err   error
	)
	if parentPK == 0 {
		topos, err = t.queryTopologies(ctx, "name = ? AND parent_pk IS NULL", name)
	} else {
		topos, err = t.queryTopologies(ctx, "name = ? AND parent_pk = ?", name, parentPK)
	}
	if err != nil {
		return model.Topology{}, err
	}
	if len(topos) == 0 {
		return model.Topology{}, fmt.Errorf("topology %q: %w", name, ErrNotFound)
	}
	return topos[0], nil
}

// ListTopologies returns every Topology, oldest first.
func (t *Tx) ListTopologies(ctx context.Context) ([]model.Topology, error) {
	return t.queryTopologies(ctx, "1 = 1")
}

// ChildTopologies returns the direct children of a Topology.
func (t *Tx) ChildTopologies(ctx context.Context, pk int64) ([]model.Topology, error) {
	return t.queryTopologies(ctx, "parent_pk = ?", pk)
}

// TopologyKeys resolves Topology IDs to store keys. Unknown IDs are
// skipped.
func (t *Tx) TopologyKeys(ctx context.Context, ids []string) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}
	in := "(" + placeholders(len(ids)) + ")"
	return t.queryPKs(ctx, "SELECT pk FROM topologies WHERE grenml_id IN "+in+" ORDER BY pk ASC", anyIDs...)
}

// DeleteTopology removes a Topology and all of its descendants. Returns
// the keys of every element that was a member of a removed Topology, so
// the caller can collect the ones left without membership.
func (t *Tx) DeleteTopology(ctx context.Context, pk int64) ([]int64, error) {
	subtree := []int64{pk}
	for i := 0; i < len(subtree); i++ {
		children, err := t.queryPKs(ctx, `SELECT pk FROM topologies WHERE parent_pk = ? ORDER BY pk ASC`, subtree[i])
		if err != nil {
			return nil, err
		}
		subtree = append(subtree, children...)
	}

	in, args := inClause(subtree)
	members, err := t.queryPKs(ctx,
		"SELECT DISTINCT element_pk FROM memberships WHERE topology_pk IN "+in+" ORDER BY element_pk ASC", args...)
	if err != nil {
		return nil, err
	}

	// Children first so no parent_pk is left pointing at a removed row.
	for i := len(subtree) - 1; i >= 0; i-- {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM topologies WHERE pk = ?`, subtree[i]); err != nil {
			return nil, fmt.Errorf("delete topology %d: %w", subtree[i], err)
		}
	}
	return members, nil
}

func (t *Tx) queryTopologies(ctx context.Context, where string, args ...any) ([]model.Topology, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+topologyColumns+" FROM topologies WHERE "+where+" ORDER BY pk ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("query topologies: %w", err)
	}
	defer rows.Close()

	topos := []model.Topology{}
	for rows.Next() {
		var (
			topo          model.Topology
			parent, owner sql.NullInt64
		)
		if err := rows.Scan(&topo.PK, &topo.ID, &topo.Name, &topo.Version, &parent, &owner, &topo.Main); err != nil {
			return nil, fmt.Errorf("scan topology: %w", err)
		}
		topo.ParentPK = parent.Int64
		topo.OwnerPK = owner.Int64
		topos = append(topos, topo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topologies: %w", err)
	}
	rows.Close()

	for i := range topos {
		err := t.eachRow(ctx,
			`SELECT name, value FROM topology_properties WHERE topology_pk = ? ORDER BY pk ASC`,
			[]any{topos[i].PK},
			func(s scanner) error {
				var p model.Property
				if err := s.Scan(&p.Name, &p.Value); err != nil {
					return err
				}
				topos[i].Properties = append(topos[i].Properties, p)
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("load topology properties: %w", err)
		}
	}
	return topos, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

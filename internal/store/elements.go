package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/grenmap/grenmap-node/internal/model"
)

const elementColumns = `pk, kind, grenml_id, name, short_name, version, dirty,
	latitude, longitude, altitude, unlocode, address,
	lifetime_start, lifetime_end, node_type, node_a, node_b`

// batchSize bounds the number of bound parameters in IN (...) lists.
const batchSize = 500

type scanner interface {
	Scan(dest ...any) error
}

// CreateElement inserts e together with its Properties, Owners and
// Topology memberships, and sets e.PK. An empty ID is replaced by a fresh
// random one.
func (t *Tx) CreateElement(ctx context.Context, e *model.Element) error {
	if !e.Kind.IsElement() {
		return fmt.Errorf("create element: invalid kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = t.newID()
	}

	start, end := nullTime(e.Lifetime.Start), nullTime(e.Lifetime.End)
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO elements
		(kind, grenml_id, name, short_name, version, dirty,
		 latitude, longitude, altitude, unlocode, address,
		 lifetime_start, lifetime_end, node_type, node_a, node_b)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.Kind), e.ID, e.Name, e.ShortName, e.Version, e.Dirty,
		nullFloat(e.Location.Latitude), nullFloat(e.Location.Longitude), nullFloat(e.Location.Altitude),
		e.Location.UNLOCODE, e.Location.Address,
		start, end, e.NodeType, nullPK(e.NodeA), nullPK(e.NodeB),
	)
	if err != nil {
		return fmt.Errorf("create element %s: %w", e.ID, err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create element %s: %w", e.ID, err)
	}
	e.PK = pk

	e.Properties = e.Properties.Normalize()
	if err := t.ReplaceProperties(ctx, pk, e.Properties); err != nil {
		return err
	}
	if err := t.SetOwners(ctx, pk, e.Owners); err != nil {
		return err
	}
	for _, topo := range e.Topologies {
		if err := t.AddMembership(ctx, pk, topo); err != nil {
			return err
		}
	}
	return nil
}

// UpdateElement writes the scalar fields and Link endpoints of e.
// Properties, Owners and memberships are left untouched.
func (t *Tx) UpdateElement(ctx context.Context, e model.Element) error {
	start, end := nullTime(e.Lifetime.Start), nullTime(e.Lifetime.End)
	res, err := t.tx.ExecContext(ctx, `
		UPDATE elements SET
			grenml_id = ?, name = ?, short_name = ?, version = ?, dirty = ?,
			latitude = ?, longitude = ?, altitude = ?, unlocode = ?, address = ?,
			lifetime_start = ?, lifetime_end = ?, node_type = ?, node_a = ?, node_b = ?
		WHERE pk = ?
	`,
		e.ID, e.Name, e.ShortName, e.Version, e.Dirty,
		nullFloat(e.Location.Latitude), nullFloat(e.Location.Longitude), nullFloat(e.Location.Altitude),
		e.Location.UNLOCODE, e.Location.Address,
		start, end, e.NodeType, nullPK(e.NodeA), nullPK(e.NodeB),
		e.PK,
	)
	if err != nil {
		return fmt.Errorf("update element %d: %w", e.PK, err)
	}
	return expectOne(res, "update element", e.PK)
}

// GetElement loads one element with its Properties and relationships.
func (t *Tx) GetElement(ctx context.Context, pk int64) (model.Element, error) {
	elems, err := t.queryElements(ctx, "pk = ?", pk)
	if err != nil {
		return model.Element{}, err
	}
	if len(elems) == 0 {
		return model.Element{}, fmt.Errorf("element %d: %w", pk, ErrNotFound)
	}
	return elems[0], nil
}

// ElementExists reports whether an element with the given key is stored.
func (t *Tx) ElementExists(ctx context.Context, pk int64) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM elements WHERE pk = ?`, pk).Scan(&n); err != nil {
		return false, fmt.Errorf("element exists: %w", err)
	}
	return n > 0, nil
}

// ListElements returns every element of a kind, oldest first.
func (t *Tx) ListElements(ctx context.Context, kind model.Kind) ([]model.Element, error) {
	return t.queryElements(ctx, "kind = ?", string(kind))
}

// FindElements returns every element of a kind with the given ID, oldest
// first. IDs are not unique, so several may come back.
func (t *Tx) FindElements(ctx context.Context, kind model.Kind, id string) ([]model.Element, error) {
	return t.queryElements(ctx, "kind = ? AND grenml_id = ?", string(kind), id)
}

// ElementsInTopology returns every element of a kind that belongs to the
// given Topology, oldest first.
func (t *Tx) ElementsInTopology(ctx context.Context, kind model.Kind, topologyPK int64) ([]model.Element, error) {
	return t.queryElements(ctx,
		"kind = ? AND pk IN (SELECT element_pk FROM memberships WHERE topology_pk = ?)",
		string(kind), topologyPK)
}

// ElementsWithProperty returns every element of a kind carrying at least
// one Property with the given name, oldest first.
func (t *Tx) ElementsWithProperty(ctx context.Context, kind model.Kind, name string) ([]model.Element, error) {
	return t.queryElements(ctx,
		"kind = ? AND pk IN (SELECT element_pk FROM properties WHERE name = ?)",
		string(kind), model.NormalizeName(name))
}

// DuplicateIDs returns, for one kind, the number of elements sharing each
// ID that occurs more than once.
func (t *Tx) DuplicateIDs(ctx context.Context, kind model.Kind) (map[string]int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT grenml_id, COUNT(*) FROM elements
		WHERE kind = ?
		GROUP BY grenml_id
		HAVING COUNT(*) > 1
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query duplicate ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan duplicate ids: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate ids: %w", err)
	}
	return out, nil
}

// LinksOf returns the keys of every Link with the given Node as an endpoint.
func (t *Tx) LinksOf(ctx context.Context, nodePK int64) ([]int64, error) {
	return t.queryPKs(ctx, `
		SELECT pk FROM elements
		WHERE kind = 'link' AND (node_a = ? OR node_b = ?)
		ORDER BY pk ASC
	`, nodePK, nodePK)
}

// OwnedBy returns the keys of the elements of a kind owned by an
// Institution.
func (t *Tx) OwnedBy(ctx context.Context, kind model.Kind, institutionPK int64) ([]int64, error) {
	return t.queryPKs(ctx, `
		SELECT e.pk FROM elements e
		JOIN owners o ON o.element_pk = e.pk
		WHERE e.kind = ? AND o.institution_pk = ?
		ORDER BY e.pk ASC
	`, string(kind), institutionPK)
}

// DeleteElement removes an element. Properties, memberships and owner
// edges go with it; deleting a Node also deletes every Link it anchors.
func (t *Tx) DeleteElement(ctx context.Context, pk int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM elements WHERE pk = ?`, pk)
	if err != nil {
		return fmt.Errorf("delete element %d: %w", pk, err)
	}
	return expectOne(res, "delete element", pk)
}

// ReplaceProperties swaps the whole Property set of an element.
func (t *Tx) ReplaceProperties(ctx context.Context, pk int64, props model.Properties) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM properties WHERE element_pk = ?`, pk); err != nil {
		return fmt.Errorf("clear properties of %d: %w", pk, err)
	}
	for _, p := range props.Normalize() {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO properties (element_pk, name, value) VALUES (?, ?, ?)`,
			pk, p.Name, p.Value,
		); err != nil {
			return fmt.Errorf("write property %s of %d: %w", p.Name, pk, err)
		}
	}
	return nil
}

// SetOwners replaces the owning Institutions of an element.
func (t *Tx) SetOwners(ctx context.Context, pk int64, owners []int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM owners WHERE element_pk = ?`, pk); err != nil {
		return fmt.Errorf("clear owners of %d: %w", pk, err)
	}
	for _, owner := range owners {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO owners (element_pk, institution_pk) VALUES (?, ?)`,
			pk, owner,
		); err != nil {
			return fmt.Errorf("write owner %d of %d: %w", owner, pk, err)
		}
	}
	return nil
}

// AddMembership associates an element with a Topology. Adding an existing
// membership is a no-op.
func (t *Tx) AddMembership(ctx context.Context, elementPK, topologyPK int64) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO memberships (topology_pk, element_pk) VALUES (?, ?)`,
		topologyPK, elementPK,
	)
	if err != nil {
		return fmt.Errorf("add membership %d/%d: %w", topologyPK, elementPK, err)
	}
	return nil
}

// RemoveMembership drops the association between an element and a
// Topology. The element itself is kept.
func (t *Tx) RemoveMembership(ctx context.Context, elementPK, topologyPK int64) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM memberships WHERE topology_pk = ? AND element_pk = ?`,
		topologyPK, elementPK,
	)
	if err != nil {
		return fmt.Errorf("remove membership %d/%d: %w", topologyPK, elementPK, err)
	}
	return nil
}

// MembershipCount returns how many Topologies an element belongs to.
func (t *Tx) MembershipCount(ctx context.Context, elementPK int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE element_pk = ?`, elementPK,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memberships of %d: %w", elementPK, err)
	}
	return n, nil
}

// MarkDirty flags every element of a kind in a Topology as a removal
// candidate and returns how many were flagged.
func (t *Tx) MarkDirty(ctx context.Context, kind model.Kind, topologyPK int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE elements SET dirty = 1
		WHERE kind = ? AND pk IN (SELECT element_pk FROM memberships WHERE topology_pk = ?)
	`, string(kind), topologyPK)
	if err != nil {
		return 0, fmt.Errorf("mark dirty: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark dirty: %w", err)
	}
	return n, nil
}

// ClearDirty removes the removal-candidate flag from one element.
func (t *Tx) ClearDirty(ctx context.Context, pk int64) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE elements SET dirty = 0 WHERE pk = ?`, pk); err != nil {
		return fmt.Errorf("clear dirty %d: %w", pk, err)
	}
	return nil
}

// DirtyInTopology returns the keys of the flagged elements of a kind in a
// Topology, oldest first.
func (t *Tx) DirtyInTopology(ctx context.Context, kind model.Kind, topologyPK int64) ([]int64, error) {
	return t.queryPKs(ctx, `
		SELECT pk FROM elements
		WHERE kind = ? AND dirty = 1
		  AND pk IN (SELECT element_pk FROM memberships WHERE topology_pk = ?)
		ORDER BY pk ASC
	`, string(kind), topologyPK)
}

// RedirectOptions controls which of the source's relationships a target
// inherits on Redirect.
type RedirectOptions struct {
	UnionTopologies bool
	UnionOwners     bool
}

// RedirectResult lists the Links touched by a Node redirect.
type RedirectResult struct {
	RedirectedLinks []int64
	DeletedLinks    []int64
}

// Redirect points every relationship that refers to from at to instead,
// then deletes from. Links that would join to with itself are deleted.
// Properties and scalar fields are not copied; callers merge those first.
func (t *Tx) Redirect(ctx context.Context, from, to model.Element, opts RedirectOptions) (RedirectResult, error) {
	var result RedirectResult
	if from.Kind != to.Kind {
		return result, fmt.Errorf("redirect %s to %s: kinds differ", from.LogString(), to.LogString())
	}
	if from.PK == to.PK {
		return result, fmt.Errorf("redirect %s: source is target", from.LogString())
	}

	switch from.Kind {
	case model.KindInstitution:
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE OR IGNORE owners SET institution_pk = ? WHERE institution_pk = ?`, to.PK, from.PK,
		); err != nil {
			return result, fmt.Errorf("redirect owners: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE topologies SET owner_pk = ? WHERE owner_pk = ?`, to.PK, from.PK,
		); err != nil {
			return result, fmt.Errorf("redirect topology owners: %w", err)
		}
	case model.KindNode:
		selfLinks, err := t.queryPKs(ctx, `
			SELECT pk FROM elements
			WHERE kind = 'link'
			  AND ((node_a = ? AND node_b = ?) OR (node_a = ? AND node_b = ?))
			ORDER BY pk ASC
		`, from.PK, to.PK, to.PK, from.PK)
		if err != nil {
			return result, err
		}
		for _, pk := range selfLinks {
			if err := t.DeleteElement(ctx, pk); err != nil {
				return result, err
			}
		}
		result.DeletedLinks = selfLinks

		redirected, err := t.LinksOf(ctx, from.PK)
		if err != nil {
			return result, err
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE elements SET node_a = ? WHERE kind = 'link' AND node_a = ?`, to.PK, from.PK,
		); err != nil {
			return result, fmt.Errorf("redirect link endpoints: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE elements SET node_b = ? WHERE kind = 'link' AND node_b = ?`, to.PK, from.PK,
		); err != nil {
			return result, fmt.Errorf("redirect link endpoints: %w", err)
		}
		result.RedirectedLinks = redirected
	}

	if opts.UnionTopologies {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memberships (topology_pk, element_pk)
			SELECT topology_pk, ? FROM memberships WHERE element_pk = ?
		`, to.PK, from.PK); err != nil {
			return result, fmt.Errorf("union memberships: %w", err)
		}
	}
	if opts.UnionOwners {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO owners (element_pk, institution_pk)
			SELECT ?, institution_pk FROM owners WHERE element_pk = ?
		`, to.PK, from.PK); err != nil {
			return result, fmt.Errorf("union owners: %w", err)
		}
	}

	if err := t.DeleteElement(ctx, from.PK); err != nil {
		return result, err
	}
	return result, nil
}

// queryElements selects elements matching where, oldest first, and loads
// their Properties and relationships.
func (t *Tx) queryElements(ctx context.Context, where string, args ...any) ([]model.Element, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+elementColumns+" FROM elements WHERE "+where+" ORDER BY pk ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}
	defer rows.Close()

	elems := []model.Element{}
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate elements: %w", err)
	}
	rows.Close()

	if err := t.hydrate(ctx, elems); err != nil {
		return nil, err
	}
	return elems, nil
}

// hydrate loads Properties, Owners and memberships for elems in place.
func (t *Tx) hydrate(ctx context.Context, elems []model.Element) error {
	if len(elems) == 0 {
		return nil
	}
	index := make(map[int64]*model.Element, len(elems))
	pks := make([]int64, len(elems))
	for i := range elems {
		index[elems[i].PK] = &elems[i]
		pks[i] = elems[i].PK
	}

	for start := 0; start < len(pks); start += batchSize {
		end := min(start+batchSize, len(pks))
		in, args := inClause(pks[start:end])

		err := t.eachRow(ctx, "SELECT element_pk, name, value FROM properties WHERE element_pk IN "+in+" ORDER BY pk ASC", args,
			func(s scanner) error {
				var pk int64
				var p model.Property
				if err := s.Scan(&pk, &p.Name, &p.Value); err != nil {
					return err
				}
				index[pk].Properties = append(index[pk].Properties, p)
				return nil
			})
		if err != nil {
			return fmt.Errorf("load properties: %w", err)
		}

		err = t.eachRow(ctx, "SELECT element_pk, institution_pk FROM owners WHERE element_pk IN "+in+" ORDER BY institution_pk ASC", args,
			func(s scanner) error {
				var pk, owner int64
				if err := s.Scan(&pk, &owner); err != nil {
					return err
				}
				index[pk].Owners = append(index[pk].Owners, owner)
				return nil
			})
		if err != nil {
			return fmt.Errorf("load owners: %w", err)
		}

		err = t.eachRow(ctx, "SELECT element_pk, topology_pk FROM memberships WHERE element_pk IN "+in+" ORDER BY topology_pk ASC", args,
			func(s scanner) error {
				var pk, topo int64
				if err := s.Scan(&pk, &topo); err != nil {
					return err
				}
				index[pk].Topologies = append(index[pk].Topologies, topo)
				return nil
			})
		if err != nil {
			return fmt.Errorf("load memberships: %w", err)
		}
	}
	return nil
}

func (t *Tx) eachRow(ctx context.Context, query string, args []any, fn func(scanner) error) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *Tx) queryPKs(ctx context.Context, query string, args ...any) ([]int64, error) {
	pks := []int64{}
	err := t.eachRow(ctx, query, args, func(s scanner) error {
		var pk int64
		if err := s.Scan(&pk); err != nil {
			return err
		}
		pks = append(pks, pk)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	return pks, nil
}

func scanElement(s scanner) (model.Element, error) {
	var (
		e              model.Element
		kind           string
		lat, long, alt sql.NullFloat64
		start, end     sql.NullString
		nodeA, nodeB   sql.NullInt64
	)
	err := s.Scan(&e.PK, &kind, &e.ID, &e.Name, &e.ShortName, &e.Version, &e.Dirty,
		&lat, &long, &alt, &e.Location.UNLOCODE, &e.Location.Address,
		&start, &end, &e.NodeType, &nodeA, &nodeB)
	if err != nil {
		return model.Element{}, fmt.Errorf("scan element: %w", err)
	}
	e.Kind = model.Kind(kind)
	e.Location.Latitude = floatPtr(lat)
	e.Location.Longitude = floatPtr(long)
	e.Location.Altitude = floatPtr(alt)
	if e.Lifetime.Start, err = timePtr(start); err != nil {
		return model.Element{}, err
	}
	if e.Lifetime.End, err = timePtr(end); err != nil {
		return model.Element{}, err
	}
	e.NodeA = nodeA.Int64
	e.NodeB = nodeB.Int64
	return e, nil
}

func inClause(pks []int64) (string, []any) {
	args := make([]any, len(pks))
	for i, pk := range pks {
		args[i] = pk
	}
	return "(" + placeholders(len(pks)) + ")", args
}

func expectOne(res sql.Result, op string, pk int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, pk, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, pk, ErrNotFound)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullTime(v *time.Time) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.UTC().Format(time.RFC3339Nano), Valid: true}
}

func timePtr(n sql.NullString) (*time.Time, error) {
	if !n.Valid || n.String == "" {
		return nil, nil
	}
	v, err := time.Parse(time.RFC3339Nano, n.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", n.String, err)
	}
	return &v, nil
}

func nullPK(pk int64) sql.NullInt64 {
	if pk == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: pk, Valid: true}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

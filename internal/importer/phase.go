package importer

import (
	"context"
	"fmt"
	"sort"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// phase is the state of one Topology's reconciliation.
type phase struct {
	pass   *pass
	in     *model.IncomingTopology
	topoPK int64

	// local maps kind and ID to the element each record of this
	// Topology resolved to, borrowed originals included.
	local map[model.Kind]map[string]int64

	// existing holds the elements that were members of the Topology
	// before this phase, loaded once after they are marked dirty.
	existing map[model.Kind][]model.Element

	// batch lists, per kind, the elements whose Properties and owners
	// are written when the kind is done.
	batch map[model.Kind][]int64

	// orphans are members of deleted child Topologies.
	orphans []int64

	disassociated int
	deleted       int
}

func (ph *phase) register(kind model.Kind, id string, pk int64) {
	if ph.local[kind] == nil {
		ph.local[kind] = make(map[string]int64)
	}
	ph.local[kind][id] = pk
}

// resolve finds the element a reference to kind and id points at: one
// handled earlier in this Topology, then one handled earlier in the pass.
func (ph *phase) resolve(kind model.Kind, id string) (int64, bool) {
	if pk, ok := ph.local[kind][id]; ok {
		return pk, true
	}
	pk, ok := ph.pass.touched[kind][id]
	return pk, ok
}

func (im *Importer) reconcile(ctx context.Context, tx *store.Tx, ph *phase) error {
	ph.batch = make(map[model.Kind][]int64)

	if err := im.deleteStaleChildren(ctx, tx, ph); err != nil {
		return err
	}

	for _, kind := range model.ElementKinds {
		if _, err := tx.MarkDirty(ctx, kind, ph.topoPK); err != nil {
			return err
		}
	}
	for _, kind := range model.ElementKinds {
		elems, err := tx.ElementsInTopology(ctx, kind, ph.topoPK)
		if err != nil {
			return err
		}
		ph.existing[kind] = elems
	}

	for _, kind := range model.ElementKinds {
		for _, rec := range ph.in.Elements(kind) {
			if err := im.apply(ctx, tx, ph, kind, rec); err != nil {
				return fmt.Errorf("%s <%s>: %w", kind, rec.ID, err)
			}
		}
		if err := im.flush(ctx, tx, ph, kind); err != nil {
			return err
		}
		if kind == model.KindInstitution {
			if err := im.setOwner(ctx, tx, ph); err != nil {
				return err
			}
		}
	}

	// Links first so a Node is never collected while a Link still
	// waiting for disassociation points at it.
	for _, kind := range []model.Kind{model.KindLink, model.KindNode, model.KindInstitution} {
		dirty, err := tx.DirtyInTopology(ctx, kind, ph.topoPK)
		if err != nil {
			return err
		}
		for _, pk := range dirty {
			if err := tx.RemoveMembership(ctx, pk, ph.topoPK); err != nil {
				return err
			}
			if err := tx.ClearDirty(ctx, pk); err != nil {
				return err
			}
			ph.pass.report.Counts[kind].Disassociated++
			ph.disassociated++
			if err := im.collect(ctx, tx, ph, pk); err != nil {
				return err
			}
		}
	}

	for _, pk := range ph.orphans {
		if err := im.collect(ctx, tx, ph, pk); err != nil {
			return err
		}
	}
	return nil
}

// deleteStaleChildren removes the child Topologies that the incoming
// Topology no longer lists.
func (im *Importer) deleteStaleChildren(ctx context.Context, tx *store.Tx, ph *phase) error {
	keep := make(map[int64]bool, len(ph.in.Topologies))
	for _, child := range ph.in.Topologies {
		if pk, ok := ph.pass.topoPKs[child]; ok {
			keep[pk] = true
		}
	}

	children, err := tx.ChildTopologies(ctx, ph.topoPK)
	if err != nil {
		return err
	}
	for _, child := range children {
		if keep[child.PK] {
			continue
		}
		members, err := tx.DeleteTopology(ctx, child.PK)
		if err != nil {
			return err
		}
		ph.orphans = append(ph.orphans, members...)
		ph.pass.report.Counts[model.KindTopology].Deleted++
		ph.pass.report.entry(Entry{
			Kind:     model.KindTopology,
			ID:       child.ID,
			PK:       child.PK,
			Topology: ph.in.ID,
			Messages: []string{"Topology no longer present in its parent, deleted."},
		})
		im.logger.Info("stale topology deleted", "topology", child.LogString(), "parent", ph.in.ID)
	}
	return nil
}

// apply reconciles one incoming record with the Store. Data problems are
// reported and the record skipped; only store failures are returned.
func (im *Importer) apply(ctx context.Context, tx *store.Tx, ph *phase, kind model.Kind, rec model.IncomingElement) error {
	p := ph.pass
	counts := p.report.Counts[kind]
	counts.Encountered++
	topoID := ph.in.ID

	if rec.ID == "" {
		im.reject(ph, newDataError(SeverityError, ErrCodeMissingField, topoID, kind, "",
			"%s %q has no id, skipped", kind.Label(), rec.Name))
		return nil
	}

	e := model.Element{
		Kind:      kind,
		ID:        rec.ID,
		Name:      rec.Name,
		ShortName: rec.ShortName,
		Version:   rec.Version,
	}
	if kind != model.KindLink {
		e.Location.FillFrom(rec.Location)
		for _, w := range e.Location.Clamp() {
			im.reject(ph, newDataError(SeverityWarning, ErrCodeOutOfRange, topoID, kind, rec.ID, "%s", w))
		}
	}
	if kind != model.KindInstitution {
		e.Lifetime.FillFrom(rec.Lifetime)
	}
	if kind == model.KindNode {
		e.NodeType = rec.NodeType
	}

	if kind == model.KindLink {
		ok := im.resolveEndpoints(ph, rec, &e)
		if !ok {
			return nil
		}
	}

	var owners []int64
	if kind != model.KindInstitution {
		for _, id := range rec.Owners {
			pk, ok := ph.resolve(model.KindInstitution, id)
			if !ok {
				im.reject(ph, newDataError(SeverityWarning, ErrCodeMissingOwner, topoID, kind, rec.ID,
					"owner <%s> is not an institution of this import", id))
				continue
			}
			owners = append(owners, pk)
		}
	}

	props := rec.Properties.Normalize()
	marked := props.Has(model.FromTopologyKey)
	entry := Entry{Kind: kind, ID: rec.ID, Topology: topoID}

	if marked {
		orig, found, err := im.findOriginal(ctx, tx, kind, rec.ID, props.ProvenanceTopologies())
		if err != nil {
			return err
		}
		if found {
			ph.register(kind, rec.ID, orig.PK)
			entry.PK = orig.PK
			entry.Messages = append(entry.Messages, "Borrowed element refers to its original, not stored.")
			p.report.entry(entry)
			return nil
		}
	}

	cur, found, err := im.lookup(ctx, tx, ph, kind, rec.ID, marked)
	if err != nil {
		return err
	}
	if found {
		e.PK = cur.PK
		e.Dirty = false
		if err := tx.UpdateElement(ctx, e); err != nil {
			return err
		}
		if err := tx.AddMembership(ctx, e.PK, ph.topoPK); err != nil {
			return err
		}
		counts.Updated++
		entry.Messages = append(entry.Messages, fmt.Sprintf("%s exists so it will be updated.", kind.Label()))
	} else {
		e.Properties = props
		e.Topologies = []int64{ph.topoPK}
		if err := tx.CreateElement(ctx, &e); err != nil {
			return err
		}
		counts.Created++
		entry.Messages = append(entry.Messages, fmt.Sprintf("%s created.", kind.Label()))
	}

	ph.register(kind, rec.ID, e.PK)
	if p.touched[kind] == nil {
		p.touched[kind] = make(map[string]int64)
	}
	p.touched[kind][rec.ID] = e.PK
	if !contains(ph.batch[kind], e.PK) {
		ph.batch[kind] = append(ph.batch[kind], e.PK)
	}
	p.props[e.PK] = p.props[e.PK].Union(props)
	for _, owner := range owners {
		if !contains(p.owners[e.PK], owner) {
			p.owners[e.PK] = append(p.owners[e.PK], owner)
		}
	}

	entry.PK = e.PK
	p.report.entry(entry)
	im.logger.Debug("element reconciled", "element", e.LogString(), "topology", topoID, "created", !found)
	return nil
}

// resolveEndpoints fills in the Node keys of a Link record. Endpoints are
// stored in ID order so the same pair always lands the same way round.
func (im *Importer) resolveEndpoints(ph *phase, rec model.IncomingElement, e *model.Element) bool {
	ids := append([]string(nil), rec.Endpoints...)
	if len(ids) != 2 || ids[0] == "" || ids[1] == "" || ids[0] == ids[1] {
		im.reject(ph, newDataError(SeverityError, ErrCodeBadEndpoints, ph.in.ID, model.KindLink, rec.ID,
			"a link needs two distinct endpoint nodes, got %v", rec.Endpoints))
		return false
	}
	sort.Strings(ids)

	pks := make([]int64, 2)
	for i, id := range ids {
		pk, ok := ph.resolve(model.KindNode, id)
		if !ok {
			im.reject(ph, newDataError(SeverityError, ErrCodeUnresolvedEndpoint, ph.in.ID, model.KindLink, rec.ID,
				"endpoint node <%s> is not part of this import", id))
			return false
		}
		pks[i] = pk
	}
	if pks[0] == pks[1] {
		im.reject(ph, newDataError(SeverityError, ErrCodeBadEndpoints, ph.in.ID, model.KindLink, rec.ID,
			"endpoints <%s> and <%s> are the same node", ids[0], ids[1]))
		return false
	}
	e.NodeA, e.NodeB = pks[0], pks[1]
	return true
}

// lookup finds the stored element an incoming record updates: a member
// of the Topology first, then one handled earlier in the pass, then one
// that belongs to another Topology of the tree. A record and a stored
// element only pair up across Topologies when both are borrowed or both
// are not. Elements outside the tree are never adopted.
func (im *Importer) lookup(ctx context.Context, tx *store.Tx, ph *phase, kind model.Kind, id string, marked bool) (model.Element, bool, error) {
	if pk, ok := ph.local[kind][id]; ok {
		return im.fetch(ctx, tx, pk)
	}

	var fallback *model.Element
	for i, e := range ph.existing[kind] {
		if e.ID != id {
			continue
		}
		if e.IsBorrowed() == marked {
			return im.fetch(ctx, tx, e.PK)
		}
		if fallback == nil {
			fallback = &ph.existing[kind][i]
		}
	}
	if fallback != nil {
		return im.fetch(ctx, tx, fallback.PK)
	}

	if pk, ok := ph.pass.touched[kind][id]; ok {
		e, found, err := im.fetch(ctx, tx, pk)
		if err != nil || !found {
			return e, found, err
		}
		if e.IsBorrowed() == marked {
			return e, true, nil
		}
	}

	for _, m := range ph.pass.members[kind][id] {
		e, found, err := im.fetch(ctx, tx, m.PK)
		if err != nil {
			return e, false, err
		}
		// Collected by an earlier phase.
		if !found {
			continue
		}
		if e.IsBorrowed() == marked {
			return e, true, nil
		}
	}
	return model.Element{}, false, nil
}

func (im *Importer) fetch(ctx context.Context, tx *store.Tx, pk int64) (model.Element, bool, error) {
	e, err := tx.GetElement(ctx, pk)
	if store.IsNotFound(err) {
		return model.Element{}, false, nil
	}
	if err != nil {
		return model.Element{}, false, err
	}
	return e, true, nil
}

// flush writes the Properties and owners accumulated over the pass for
// every element of kind handled in this Topology.
func (im *Importer) flush(ctx context.Context, tx *store.Tx, ph *phase, kind model.Kind) error {
	for _, pk := range ph.batch[kind] {
		if err := tx.ReplaceProperties(ctx, pk, ph.pass.props[pk]); err != nil {
			return err
		}
		if kind == model.KindInstitution {
			continue
		}
		if err := tx.SetOwners(ctx, pk, ph.pass.owners[pk]); err != nil {
			return err
		}
	}
	return nil
}

// setOwner points the Topology at the Institution its owner field names.
func (im *Importer) setOwner(ctx context.Context, tx *store.Tx, ph *phase) error {
	topo, err := tx.GetTopology(ctx, ph.topoPK)
	if err != nil {
		return err
	}

	var owner int64
	switch pk, ok := ph.resolve(model.KindInstitution, ph.in.Owner); {
	case ph.in.Owner == "":
		im.reject(ph, newDataError(SeverityWarning, ErrCodeMissingOwner, ph.in.ID, model.KindTopology, "",
			"topology has no owner"))
	case !ok:
		im.reject(ph, newDataError(SeverityWarning, ErrCodeMissingOwner, ph.in.ID, model.KindTopology, "",
			"owner <%s> is not an institution of this import", ph.in.Owner))
	default:
		owner = pk
	}

	if topo.OwnerPK == owner {
		return nil
	}
	topo.OwnerPK = owner
	return tx.UpdateTopology(ctx, topo)
}

// collect deletes an element left without any Topology. When another
// element shares its ID and kind, the orphan is replaced into the newest
// of them instead so references to it survive.
func (im *Importer) collect(ctx context.Context, tx *store.Tx, ph *phase, pk int64) error {
	e, found, err := im.fetch(ctx, tx, pk)
	if err != nil || !found {
		return err
	}
	n, err := tx.MembershipCount(ctx, pk)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	counts := ph.pass.report.Counts
	entry := Entry{Kind: e.Kind, ID: e.ID, PK: e.PK, Topology: ph.in.ID}

	siblings, err := tx.FindElements(ctx, e.Kind, e.ID)
	if err != nil {
		return err
	}
	var target *model.Element
	for i := len(siblings) - 1; i >= 0; i-- {
		if siblings[i].PK != e.PK {
			target = &siblings[i]
			break
		}
	}

	if target != nil {
		res, err := tx.Redirect(ctx, e, *target, store.RedirectOptions{})
		if err != nil {
			return err
		}
		counts[model.KindLink].Deleted += len(res.DeletedLinks)
		entry.Messages = append(entry.Messages,
			fmt.Sprintf("No topology left, replaced into %s.", target.LogString()))
	} else {
		if e.Kind == model.KindNode {
			links, err := tx.LinksOf(ctx, e.PK)
			if err != nil {
				return err
			}
			counts[model.KindLink].Deleted += len(links)
		}
		if err := tx.DeleteElement(ctx, e.PK); err != nil {
			return err
		}
		entry.Messages = append(entry.Messages, "No topology left, deleted.")
	}

	counts[e.Kind].Deleted++
	ph.deleted++
	ph.pass.report.entry(entry)
	im.logger.Debug("element collected", "element", e.LogString(), "topology", ph.in.ID)
	return nil
}

func (im *Importer) reject(ph *phase, de *DataError) {
	ph.pass.report.problem(de)
	im.logger.Warn("import data problem",
		"code", de.Code,
		"severity", de.Severity,
		"topology", de.Topology,
		"kind", de.Kind,
		"element", de.Element,
		"message", de.Message,
	)
}

func contains(pks []int64, pk int64) bool {
	for _, p := range pks {
		if p == pk {
			return true
		}
	}
	return false
}

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/hierarchy"
	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/records"
)

// Counts reports what one reconciliation pass did.
type Counts struct {
	Created int
	Updated int
	Deleted int
	Failed  int
}

// Engine runs reconciliation passes. A pass is single-threaded and
// non-reentrant; concurrent passes against the same store must be serialized
// by the caller.
type Engine struct {
	store        interfaces.RecordStore
	hier         *hierarchy.Hierarchy
	interfaceHRN naming.HRN
	log          *slog.Logger
}

// New creates a reconciliation engine for the federation rooted at
// interfaceHRN.
func New(store interfaces.RecordStore, hier *hierarchy.Hierarchy, interfaceHRN naming.HRN, log *slog.Logger) *Engine {
	return &Engine{store: store, hier: hier, interfaceHRN: interfaceHRN, log: log}
}

type nameKey struct {
	typ interfaces.RecordType
	hrn naming.HRN
}

type pointerKey struct {
	typ     interfaces.RecordType
	pointer int64
}

// pass holds the run-scoped lookup indices. They are built fresh per run and
// never shared.
type pass struct {
	engine    *Engine
	adapter   Adapter
	byName    map[nameKey]*interfaces.Record
	byPointer map[pointerKey]*interfaces.Record
	counts    Counts
}

// Run executes one reconciliation pass. Individual entity failures are
// logged and counted, never fatal; the returned error is reserved for
// store-level failures and for the engine's own identity being unavailable.
func (e *Engine) Run(ctx context.Context, adapter Adapter, protected []naming.HRN) (Counts, error) {
	p := &pass{
		engine:    e,
		adapter:   adapter,
		byName:    make(map[nameKey]*interfaces.Record),
		byPointer: make(map[pointerKey]*interfaces.Record),
	}

	all, err := e.store.ListAll(ctx)
	if err != nil {
		return p.counts, fmt.Errorf("failed to load records: %w", err)
	}
	for _, rec := range all {
		nk := nameKey{rec.Type, rec.HRN}
		if _, ok := p.byName[nk]; ok {
			return p.counts, fmt.Errorf("%w: duplicate (%s, %s)", interfaces.ErrDuplicateRecord, rec.Type, rec.HRN)
		}
		p.byName[nk] = rec
		if rec.Pointer != interfaces.NoPointer {
			pk := pointerKey{rec.Type, rec.Pointer}
			if _, ok := p.byPointer[pk]; ok {
				return p.counts, fmt.Errorf("%w: duplicate (%s, pointer %d)", interfaces.ErrDuplicateRecord, rec.Type, rec.Pointer)
			}
			p.byPointer[pk] = rec
		}
		rec.Stale = true
	}

	// The federation's own authority record is the synthetic root of the
	// pass; failing to establish it is fatal to the whole run.
	if _, err := p.reconcileAuthority(ctx, e.interfaceHRN, interfaces.NoPointer); err != nil {
		return p.counts, fmt.Errorf("failed to reconcile own authority record: %w", err)
	}

	authorities, err := adapter.ListAuthorities(ctx)
	if err != nil {
		// Sweeping on a failed listing would garbage-collect the world.
		return p.counts, fmt.Errorf("adapter %q failed to list authorities: %w", adapter.Name(), err)
	}
	children := make(map[int64][]Authority)
	for _, a := range authorities {
		children[a.ParentID] = append(children[a.ParentID], a)
	}
	for _, a := range children[0] {
		p.descend(ctx, e.interfaceHRN, a, children)
	}

	p.protect(protected)
	p.sweep(ctx)

	e.log.Info("Reconciliation pass complete",
		slog.String("adapter", adapter.Name()),
		slog.Int("created", p.counts.Created),
		slog.Int("updated", p.counts.Updated),
		slog.Int("deleted", p.counts.Deleted),
		slog.Int("failed", p.counts.Failed))
	return p.counts, nil
}

// descend reconciles one external authority and everything under it. An
// entity's failure skips that entity, never the pass.
func (p *pass) descend(ctx context.Context, parent naming.HRN, ext Authority, children map[int64][]Authority) {
	log := p.engine.log
	hrn, err := childHRN(parent, ext.Name)
	if err != nil {
		log.Warn("Skipping authority with unusable name", slog.String("name", ext.Name), "err", err)
		p.counts.Failed++
		return
	}

	rec, err := p.reconcileAuthority(ctx, hrn, ext.ID)
	if err != nil {
		log.Warn("Failed to reconcile authority", slog.String("hrn", hrn.String()), "err", err)
		p.counts.Failed++
		return
	}

	if users, err := p.adapter.ListUsers(ctx, ext.ID); err != nil {
		log.Warn("Failed to list users", slog.String("authority", hrn.String()), "err", err)
		p.counts.Failed++
	} else {
		for _, u := range users {
			p.reconcileUser(ctx, hrn, u)
		}
	}

	// PI membership resolves through the pointer index, so it can only be
	// recomputed once the authority's users exist locally.
	rec.PIs = p.resolveUserIDs(ext.PIIDs, hrn)
	if err := p.touch(ctx, rec); err != nil {
		log.Warn("Failed to update authority membership", slog.String("hrn", hrn.String()), "err", err)
		p.counts.Failed++
	}

	if resources, err := p.adapter.ListResources(ctx, ext.ID); err != nil {
		log.Warn("Failed to list resources", slog.String("authority", hrn.String()), "err", err)
		p.counts.Failed++
	} else {
		for _, r := range resources {
			p.reconcileNode(ctx, hrn, r)
		}
	}

	if slices, err := p.adapter.ListSlices(ctx, ext.ID); err != nil {
		log.Warn("Failed to list slices", slog.String("authority", hrn.String()), "err", err)
		p.counts.Failed++
	} else {
		for _, s := range slices {
			p.reconcileSlice(ctx, hrn, s)
		}
	}

	for _, child := range children[ext.ID] {
		p.descend(ctx, hrn, child, children)
	}
}

// reconcileAuthority resolves-or-creates the authority record for hrn. PI
// membership is filled in later, once the authority's users exist locally.
func (p *pass) reconcileAuthority(ctx context.Context, hrn naming.HRN, pointer int64) (*interfaces.Record, error) {
	rec := p.byName[nameKey{interfaces.RecordAuthority, hrn}]
	if rec == nil {
		info, err := p.engine.hier.Ensure(ctx, hrn)
		if err != nil {
			return nil, err
		}
		rec = &interfaces.Record{
			Type:    interfaces.RecordAuthority,
			HRN:     hrn,
			GID:     info.GID.Encode(),
			Pointer: pointer,
		}
		if parent, ok := hrn.Parent(); ok {
			rec.Authority = parent
		}
		p.engine.log.Info("Creating authority record", slog.String("hrn", hrn.String()))
	} else {
		rec.Pointer = pointer
	}
	if err := p.touch(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *pass) reconcileUser(ctx context.Context, authority naming.HRN, ext User) {
	log := p.engine.log
	hrn, err := childHRN(authority, ext.Login)
	if err != nil {
		log.Warn("Skipping user with unusable login", slog.String("login", ext.Login), "err", err)
		p.counts.Failed++
		return
	}

	var keys []string
	for _, key := range ext.Keys {
		if err := records.ValidateUserKey(key); err != nil {
			log.Warn("Skipping unparsable user key", slog.String("hrn", hrn.String()), "err", err)
			continue
		}
		keys = append(keys, key)
	}

	rec := p.byName[nameKey{interfaces.RecordUser, hrn}]
	if rec == nil {
		g, err := p.mint(ctx, authority, hrn, naming.TypeUser, ext.Email)
		if err != nil {
			log.Warn("Failed to mint user identity", slog.String("hrn", hrn.String()), "err", err)
			p.counts.Failed++
			return
		}
		rec = &interfaces.Record{
			Type:      interfaces.RecordUser,
			HRN:       hrn,
			GID:       g,
			Authority: authority,
		}
		log.Info("Creating user record", slog.String("hrn", hrn.String()))
	}
	rec.Pointer = ext.ID
	rec.Email = ext.Email
	rec.Keys = keys

	if err := p.touch(ctx, rec); err != nil {
		log.Warn("Failed to persist user record", slog.String("hrn", hrn.String()), "err", err)
		p.counts.Failed++
	}
}

func (p *pass) reconcileNode(ctx context.Context, authority naming.HRN, ext Resource) {
	log := p.engine.log
	hrn, err := childHRN(authority, nodeLeaf(ext.Hostname))
	if err != nil {
		log.Warn("Skipping node with unusable hostname", slog.String("hostname", ext.Hostname), "err", err)
		p.counts.Failed++
		return
	}

	rec := p.byName[nameKey{interfaces.RecordNode, hrn}]
	if rec == nil {
		g, err := p.mint(ctx, authority, hrn, naming.TypeNode, "")
		if err != nil {
			log.Warn("Failed to mint node identity", slog.String("hrn", hrn.String()), "err", err)
			p.counts.Failed++
			return
		}
		rec = &interfaces.Record{
			Type:      interfaces.RecordNode,
			HRN:       hrn,
			GID:       g,
			Authority: authority,
		}
		log.Info("Creating node record", slog.String("hrn", hrn.String()))
	}
	rec.Pointer = ext.ID

	if err := p.touch(ctx, rec); err != nil {
		log.Warn("Failed to persist node record", slog.String("hrn", hrn.String()), "err", err)
		p.counts.Failed++
	}
}

func (p *pass) reconcileSlice(ctx context.Context, authority naming.HRN, ext Slice) {
	log := p.engine.log
	hrn, err := childHRN(authority, ext.Name)
	if err != nil {
		log.Warn("Skipping slice with unusable name", slog.String("name", ext.Name), "err", err)
		p.counts.Failed++
		return
	}

	rec := p.byName[nameKey{interfaces.RecordSlice, hrn}]
	if rec == nil {
		g, err := p.mint(ctx, authority, hrn, naming.TypeSlice, "")
		if err != nil {
			log.Warn("Failed to mint slice identity", slog.String("hrn", hrn.String()), "err", err)
			p.counts.Failed++
			return
		}
		rec = &interfaces.Record{
			Type:      interfaces.RecordSlice,
			HRN:       hrn,
			GID:       g,
			Authority: authority,
		}
		log.Info("Creating slice record", slog.String("hrn", hrn.String()))
	}
	rec.Pointer = ext.ID
	rec.Researchers = p.resolveUserIDs(ext.ResearcherIDs, hrn)

	if err := p.touch(ctx, rec); err != nil {
		log.Warn("Failed to persist slice record", slog.String("hrn", hrn.String()), "err", err)
		p.counts.Failed++
	}
}

// resolveUserIDs maps external user ids to local user HRNs through the
// pointer index. Unknown ids are skipped with a warning.
func (p *pass) resolveUserIDs(ids []int64, owner naming.HRN) []naming.HRN {
	var out []naming.HRN
	for _, id := range ids {
		rec, ok := p.byPointer[pointerKey{interfaces.RecordUser, id}]
		if !ok {
			p.engine.log.Warn("No local user record for external id",
				slog.Int64("id", id), slog.String("owner", owner.String()))
			continue
		}
		out = append(out, rec.HRN)
	}
	return out
}

// mint issues a fresh-keyed GID for a new record under authority.
func (p *pass) mint(ctx context.Context, authority, subject naming.HRN, typ naming.ObjectType, email string) ([]byte, error) {
	key, err := gid.NewKey()
	if err != nil {
		return nil, err
	}
	g, err := p.engine.hier.Sign(ctx, authority, subject, typ, key.Public(), hierarchy.SignOptions{Email: email})
	if err != nil {
		return nil, err
	}
	return g.Encode(), nil
}

// touch persists the record, clears its staleness and maintains the indices.
func (p *pass) touch(ctx context.Context, rec *interfaces.Record) error {
	existing := p.byName[nameKey{rec.Type, rec.HRN}] != nil
	if err := p.engine.store.Upsert(ctx, rec); err != nil {
		return err
	}
	if existing {
		if rec.Stale {
			p.counts.Updated++
		}
	} else {
		p.counts.Created++
	}
	rec.Stale = false
	p.byName[nameKey{rec.Type, rec.HRN}] = rec
	if rec.Pointer != interfaces.NoPointer {
		p.byPointer[pointerKey{rec.Type, rec.Pointer}] = rec
	}
	return nil
}

// protect clears staleness on records that must never be swept: the
// federation's own authority, the registry root, peer-owned records, and any
// caller-supplied names.
func (p *pass) protect(protected []naming.HRN) {
	names := map[naming.HRN]struct{}{
		p.engine.interfaceHRN:        {},
		p.engine.interfaceHRN.Root(): {},
	}
	for _, hrn := range protected {
		names[hrn] = struct{}{}
	}
	for _, rec := range p.byName {
		if rec.PeerAuthority != "" {
			rec.Stale = false
			continue
		}
		if _, ok := names[rec.HRN]; ok {
			rec.Stale = false
		}
	}
}

// sweep deletes every record still marked stale.
func (p *pass) sweep(ctx context.Context) {
	var stale []*interfaces.Record
	for _, rec := range p.byName {
		if rec.Stale {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].HRN < stale[j].HRN })

	for _, rec := range stale {
		if err := p.engine.store.Delete(ctx, rec); err != nil {
			p.engine.log.Warn("Failed to delete stale record", slog.String("hrn", rec.HRN.String()), "err", err)
			p.counts.Failed++
			continue
		}
		p.engine.log.Info("Deleted stale record", slog.String("type", string(rec.Type)), slog.String("hrn", rec.HRN.String()))
		p.counts.Deleted++
	}
}

// nodeLeaf turns a hostname into a name component.
func nodeLeaf(hostname string) string {
	return strings.ReplaceAll(hostname, ".", "_")
}

// childHRN extends parent by one validated component.
func childHRN(parent naming.HRN, leaf string) (naming.HRN, error) {
	return naming.ParseHRN(parent.Child(leaf).String())
}

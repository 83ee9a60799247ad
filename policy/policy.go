// Package policy is the single place authorization policy is expressed: it
// maps a caller name and a registry record to the rights-set the caller holds
// over that record. It is consulted both when minting a self-credential for a
// record and when deciding what a presented credential's holder may do.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fedlab/registry-backend/interfaces"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/rights"
)

// Engine determines rights over registry records.
type Engine struct {
	store interfaces.RecordStore
	log   *slog.Logger

	// interfaceHRN names the federation's own interface authority, which
	// holds full authority rights over every authority record.
	interfaceHRN naming.HRN
}

// NewEngine creates a policy engine bound to the record store and the
// federation's interface authority name.
func NewEngine(store interfaces.RecordStore, interfaceHRN naming.HRN, log *slog.Logger) *Engine {
	return &Engine{store: store, log: log, interfaceHRN: interfaceHRN}
}

// DetermineRights computes the rights caller holds over record. Callers with
// no applicable grant get an empty set, never an error.
func (e *Engine) DetermineRights(ctx context.Context, caller naming.HRN, record *interfaces.Record) (rights.Set, error) {
	switch record.Type {
	case interfaces.RecordSlice:
		return e.sliceRights(ctx, caller, record)
	case interfaces.RecordAuthority:
		return e.authorityRights(caller, record), nil
	case interfaces.RecordUser:
		if caller == record.HRN {
			return rights.NewSet(rights.Refresh, rights.Resolve, rights.Info), nil
		}
		return rights.NewSet(), nil
	case interfaces.RecordNode:
		return rights.NewSet(rights.Operator), nil
	default:
		return nil, fmt.Errorf("unknown record type %q", record.Type)
	}
}

// sliceRights grants the full slice rights-set to researchers of the slice
// and to PIs of the slice's owning authority.
func (e *Engine) sliceRights(ctx context.Context, caller naming.HRN, record *interfaces.Record) (rights.Set, error) {
	for _, researcher := range record.Researchers {
		if researcher == caller {
			return sliceSet(), nil
		}
	}

	if record.Authority != "" {
		authority, err := e.store.FindByHRN(ctx, interfaces.RecordAuthority, record.Authority)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			e.log.Debug("Slice has no authority record", slog.String("slice", record.HRN.String()), slog.String("authority", record.Authority.String()))
			return rights.NewSet(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load authority of slice %q: %w", record.HRN, err)
		}
		for _, pi := range authority.PIs {
			if pi == caller {
				return sliceSet(), nil
			}
		}
	}

	return rights.NewSet(), nil
}

// authorityRights unions the grants applicable to caller over an authority
// record.
func (e *Engine) authorityRights(caller naming.HRN, record *interfaces.Record) rights.Set {
	set := rights.NewSet()
	if caller == e.interfaceHRN {
		set = set.Union(rights.NewSet(rights.Authority, rights.SA, rights.MA))
	}
	for _, pi := range record.PIs {
		if pi == caller {
			set = set.Union(rights.NewSet(rights.Authority, rights.SA))
			break
		}
	}
	return set
}

func sliceSet() rights.Set {
	return rights.NewSet(rights.Refresh, rights.Embed, rights.Bind, rights.Control, rights.Info)
}

// Package staticadapter feeds the reconciliation engine from a JSON
// inventory file. It is the reference adapter implementation and the one
// used for air-gapped imports. Input is strictly shaped: unknown fields are
// rejected at load time rather than carried into the engine.
package staticadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fedlab/registry-backend/reconcile"
)

type inventory struct {
	Authorities []authority `json:"authorities"`
	Users       []user      `json:"users"`
	Slices      []slice     `json:"slices"`
	Resources   []resource  `json:"resources"`
}

type authority struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	ParentID int64   `json:"parent_id"`
	PIIDs    []int64 `json:"pi_ids"`
}

type user struct {
	ID          int64    `json:"id"`
	AuthorityID int64    `json:"authority_id"`
	Login       string   `json:"login"`
	Email       string   `json:"email"`
	Keys        []string `json:"keys"`
}

type slice struct {
	ID            int64   `json:"id"`
	AuthorityID   int64   `json:"authority_id"`
	Name          string  `json:"name"`
	ResearcherIDs []int64 `json:"researcher_ids"`
}

type resource struct {
	ID          int64  `json:"id"`
	AuthorityID int64  `json:"authority_id"`
	Hostname    string `json:"hostname"`
}

// Adapter serves a fixed inventory loaded from disk.
type Adapter struct {
	name        string
	authorities []reconcile.Authority
	users       map[int64][]reconcile.User
	slices      map[int64][]reconcile.Slice
	resources   map[int64][]reconcile.Resource
}

// Load reads and validates an inventory file.
func Load(path string) (*Adapter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()

	var inv inventory
	if err := dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("failed to parse inventory %q: %w", path, err)
	}

	a := &Adapter{
		name:      "static:" + filepath.Base(path),
		users:     make(map[int64][]reconcile.User),
		slices:    make(map[int64][]reconcile.Slice),
		resources: make(map[int64][]reconcile.Resource),
	}
	for _, auth := range inv.Authorities {
		a.authorities = append(a.authorities, reconcile.Authority{
			ID: auth.ID, Name: auth.Name, ParentID: auth.ParentID, PIIDs: auth.PIIDs,
		})
	}
	for _, u := range inv.Users {
		a.users[u.AuthorityID] = append(a.users[u.AuthorityID], reconcile.User{
			ID: u.ID, Login: u.Login, Email: u.Email, Keys: u.Keys,
		})
	}
	for _, s := range inv.Slices {
		a.slices[s.AuthorityID] = append(a.slices[s.AuthorityID], reconcile.Slice{
			ID: s.ID, Name: s.Name, ResearcherIDs: s.ResearcherIDs,
		})
	}
	for _, r := range inv.Resources {
		a.resources[r.AuthorityID] = append(a.resources[r.AuthorityID], reconcile.Resource{
			ID: r.ID, Hostname: r.Hostname,
		})
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) ListAuthorities(context.Context) ([]reconcile.Authority, error) {
	return a.authorities, nil
}

func (a *Adapter) ListUsers(_ context.Context, authorityID int64) ([]reconcile.User, error) {
	return a.users[authorityID], nil
}

func (a *Adapter) ListSlices(_ context.Context, authorityID int64) ([]reconcile.Slice, error) {
	return a.slices[authorityID], nil
}

func (a *Adapter) ListResources(_ context.Context, authorityID int64) ([]reconcile.Resource, error) {
	return a.resources[authorityID], nil
}

// Package router decides, for each per-store request, whether this instance
// owns the addressed store, should redirect the caller to the owning
// instance, or has never heard of the store at all.
//
// Resolution is an explicit result kind rather than an error thrown for
// control flow: handlers translate it to 200/308/404 (and, for destructive
// misroutes, 403) at the HTTP boundary only.
package router

import (
	"fmt"

	"github.com/dreamware/bookmesh/internal/catalog"
	"github.com/dreamware/bookmesh/internal/cluster"
)

// Kind classifies a resolution outcome.
type Kind int

const (
	// Local means this instance owns the store; handle the request here.
	Local Kind = iota
	// Redirect means another instance owns the store; Location carries its
	// address.
	Redirect
	// Unknown means neither local storage nor the membership registry knows
	// the store.
	Unknown
)

// Resolution is the outcome of an ownership check.
type Resolution struct {
	Kind     Kind
	Location string
}

// Resolver performs the ownership check guarding every per-store and
// per-book operation at the instance boundary.
type Resolver struct {
	catalog catalog.Catalog
	members *cluster.Membership
}

// New creates a resolver over the instance's catalog and membership cache.
func New(cat catalog.Catalog, members *cluster.Membership) *Resolver {
	return &Resolver{catalog: cat, members: members}
}

// Resolve determines ownership of a store id. The local check runs first;
// the membership registry is consulted only for stores this instance does
// not own.
func (r *Resolver) Resolve(storeID int64) Resolution {
	if r.ownsLocally(storeID) {
		return Resolution{Kind: Local}
	}
	if addr, ok := r.members.Addr(storeID); ok {
		return Resolution{Kind: Redirect, Location: addr}
	}
	return Resolution{Kind: Unknown}
}

// ResolveBook is Resolve with the book id appended to a redirect target, so
// a misrouted book request lands on the owning instance's book route.
func (r *Resolver) ResolveBook(storeID, bookID int64) Resolution {
	res := r.Resolve(storeID)
	if res.Kind == Redirect {
		res.Location = fmt.Sprintf("%s/books/%d", res.Location, bookID)
	}
	return res
}

// ResolveBooks is Resolve with the books collection path appended to a
// redirect target.
func (r *Resolver) ResolveBooks(storeID int64) Resolution {
	res := r.Resolve(storeID)
	if res.Kind == Redirect {
		res.Location += "/books"
	}
	return res
}

func (r *Resolver) ownsLocally(storeID int64) bool {
	cur, err := r.catalog.CurrentStore()
	return err == nil && cur.ID == storeID
}

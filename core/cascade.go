// Package core provides the reactive persistence engine of nereid.
// This file defines the cascade walker: propagating a session operation
// across the association graph of an entity according to the cascade styles
// declared on its schema. The walk keeps an identity-based visited set so
// cyclic graphs terminate, and removal forces unfetched collections before
// descending into them, since children cannot be deleted unseen.
package core

import (
	"context"

	"github.com/leandroluk/nereid/stage"
)

// cascadeApply is the operation propagated to an associated entity. It
// receives the target entity name and instance; the operation itself
// re-enters the walker, so the visited set is threaded by the caller.
type cascadeApply func(ctx context.Context, target string, entity any) *stage.Stage[stage.Unit]

// cascadeAssociations propagates one operation across the associations of
// entity whose cascade styles include style. To-one references are followed
// only when loaded: a key-only reference names a row the operation does not
// own. Collections are followed when initialized, and for removal are
// fetched first.
func cascadeAssociations(ctx context.Context, session *Session, meta *Meta, entity any, style CascadeStyle, visited map[any]bool, apply cascadeApply) *stage.Stage[stage.Unit] {
	producerList := []func() *stage.Stage[stage.Unit]{}

	for _, assoc := range meta.ToOneList {
		if !assoc.Cascade.Has(style) {
			continue
		}
		acc := refOf(entity, assoc)
		if !acc.refInitialized() {
			continue
		}
		target := acc.refValue()
		if target == nil || visited[target] {
			continue
		}
		assoc := assoc
		producerList = append(producerList, func() *stage.Stage[stage.Unit] {
			return apply(ctx, assoc.Target, target)
		})
	}

	for _, assoc := range meta.ToManyList {
		if !assoc.Cascade.Has(style) {
			continue
		}
		assoc := assoc
		acc := listOf(entity, assoc)
		if acc.listInitialized() {
			for _, child := range acc.listItems() {
				child := child
				if visited[child] {
					continue
				}
				producerList = append(producerList, func() *stage.Stage[stage.Unit] {
					return apply(ctx, assoc.Target, child)
				})
			}
			continue
		}
		if style != CascadeRemove {
			continue
		}
		producerList = append(producerList, func() *stage.Stage[stage.Unit] {
			return stage.Compose(session.fetchListRaw(ctx, acc, meta.EntityName, assoc), func(childList []any) *stage.Stage[stage.Unit] {
				childProducerList := make([]func() *stage.Stage[stage.Unit], 0, len(childList))
				for _, child := range childList {
					child := child
					if visited[child] {
						continue
					}
					childProducerList = append(childProducerList, func() *stage.Stage[stage.Unit] {
						return apply(ctx, assoc.Target, child)
					})
				}
				return stage.Sequence(childProducerList)
			})
		})
	}

	return stage.Sequence(producerList)
}

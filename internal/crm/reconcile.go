package crm

import (
	"log"

	"github.com/wesm/callsync/internal/cache"
	"github.com/wesm/callsync/internal/model"
	"github.com/wesm/callsync/internal/sync"
)

// Reconciler returns an applied-operation hook for the sync
// engine that swaps optimistic records for what the server
// returned. A created lead's local id is also rewritten in the
// leadId of cached calls. A record deleted locally before its
// create reached the server stays deleted.
func Reconciler(store *cache.Store) func(sync.Operation, model.Record) {
	return func(op sync.Operation, rec model.Record) {
		key := CollectionKey(op.EntityType)

		switch op.Kind {
		case sync.KindDelete:
			for _, id := range knownIDs(store, op.TargetID) {
				store.RemoveCollectionItem(key, id)
			}
		case sync.KindCreate:
			if rec.ID() == "" {
				return
			}
			if op.TargetID == "" {
				logErr(store.UpdateCollectionItem(key, rec))
				return
			}
			if op.EntityType == model.EntityLead {
				relinkCalls(store, op.TargetID, rec.ID())
			}
			if _, ok := store.GetCollectionItem(key, op.TargetID); !ok {
				// Deleted locally while the create was queued.
				return
			}
			logErr(store.ReplaceCollectionItem(key, op.TargetID, rec))
		case sync.KindUpdate:
			if rec.ID() == "" {
				return
			}
			existing, ok := store.GetCollectionItem(key, rec.ID())
			if !ok {
				// Deleted locally since the update was queued.
				return
			}
			logErr(store.UpdateCollectionItem(key, existing.Merge(rec)))
		}
	}
}

// knownIDs returns id plus the server id it maps to, if id is
// a local id whose create has been applied.
func knownIDs(store *cache.Store, id string) []string {
	if id == "" {
		return nil
	}
	out := []string{id}
	if !model.IsLocalID(id) {
		return out
	}
	ids := cache.GetOr(store, sync.IDMapKey, map[string]string{})
	if srv, ok := ids[id]; ok {
		out = append(out, srv)
	}
	return out
}

func relinkCalls(store *cache.Store, localID, serverID string) {
	for _, call := range store.GetCollection(CallsKey) {
		if call["leadId"] != localID {
			continue
		}
		updated := call.Clone()
		updated["leadId"] = serverID
		logErr(store.UpdateCollectionItem(CallsKey, updated))
	}
}

func logErr(err error) {
	if err != nil {
		log.Printf("crm: reconcile: %v", err)
	}
}

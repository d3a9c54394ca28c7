package spool

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/rlog"
)

// RebuiltMessage pairs a reconstructed Message with the id it was rebuilt
// under, so a caller can tell a clean rebuild apart from a corrupt one
// without reaching into the Message itself.
type RebuiltMessage struct {
	ID  uuid.UUID
	Msg *message.Message
}

// Rebuild enumerates both spool halves and re-joins them by id, per
// spec.md §4.1 ("on start-up the engine enumerates both the meta-spool ...
// and data-spool ..., re-joins them by id"). Entries missing their other
// half, or whose meta bytes fail to parse, are reported via onCorrupt
// rather than silently dropped.
func Rebuild(ctx context.Context, store Store, log rlog.Logger, onCorrupt func(Corrupt)) ([]RebuiltMessage, error) {
	metaEntries, err := store.Enumerate(ctx, KindMeta)
	if err != nil {
		return nil, fmt.Errorf("spool: enumerate meta: %w", err)
	}

	metas := make(map[uuid.UUID][]byte)
	for e := range metaEntries {
		if e.Corrupt != nil {
			if onCorrupt != nil {
				onCorrupt(*e.Corrupt)
			}
			continue
		}
		metas[e.ID] = e.Bytes
	}

	dataEntries, err := store.Enumerate(ctx, KindData)
	if err != nil {
		return nil, fmt.Errorf("spool: enumerate data: %w", err)
	}

	var out []RebuiltMessage
	seen := make(map[uuid.UUID]bool)
	for e := range dataEntries {
		if e.Corrupt != nil {
			if onCorrupt != nil {
				onCorrupt(*e.Corrupt)
			}
			continue
		}
		seen[e.ID] = true
		metaBytes, ok := metas[e.ID]
		if !ok {
			if onCorrupt != nil {
				onCorrupt(Corrupt{ID: e.ID, Error: fmt.Errorf("data entry with no matching meta entry")})
			}
			continue
		}
		msg, err := message.FromWire(metaBytes, e.Bytes)
		if err != nil {
			if onCorrupt != nil {
				onCorrupt(Corrupt{ID: e.ID, Error: err})
			}
			continue
		}
		out = append(out, RebuiltMessage{ID: e.ID, Msg: msg})
	}

	for id := range metas {
		if !seen[id] {
			if onCorrupt != nil {
				onCorrupt(Corrupt{ID: id, Error: fmt.Errorf("meta entry with no matching data entry")})
			}
			log.Warnf("spool rebuild: orphaned meta entry %s", id)
		}
	}

	return out, nil
}

package testutils

import (
	"github.com/drpcorg/blockdoc"
)

// SyncData brings b up to date with a and a up to date with b, each
// side sending only what the other one's state vector lacks.
func SyncData(a, b *blockdoc.Doc) error {
	toB := a.EncodeStateAsUpdate(b.StateVector())
	toA := b.EncodeStateAsUpdate(a.StateVector())
	if len(toB) > 0 {
		if err := b.ApplyUpdate(toB, blockdoc.OriginRemote); err != nil {
			return err
		}
	}
	if len(toA) > 0 {
		if err := a.ApplyUpdate(toA, blockdoc.OriginRemote); err != nil {
			return err
		}
	}
	return nil
}

// SyncAll syncs every pair of docs.
func SyncAll(docs ...*blockdoc.Doc) error {
	for i := range docs {
		for j := i + 1; j < len(docs); j++ {
			if err := SyncData(docs[i], docs[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recorder keeps the local updates a doc emits, in emission order.
type Recorder struct {
	Updates [][]byte
	off     func()
}

func Record(doc *blockdoc.Doc) *Recorder {
	rec := &Recorder{}
	rec.off = doc.OnUpdate(func(ev *blockdoc.UpdateEvent) {
		if !ev.Origin.IsRemote() {
			rec.Updates = append(rec.Updates, ev.Update)
		}
	})
	return rec
}

func (rec *Recorder) Stop() {
	rec.off()
}

// Replay applies recorded updates to doc as remote ones.
func (rec *Recorder) Replay(doc *blockdoc.Doc) error {
	for _, u := range rec.Updates {
		if err := doc.ApplyUpdate(u, blockdoc.OriginRemote); err != nil {
			return err
		}
	}
	return nil
}

package lsm

// Arena buffers writes for one partition between commits. It keeps one
// copy per record id, overwritten in place when a higher version
// arrives, so a flush emits each id once at its highest version.
//
// Arenas are mutated only inside the writer's critical section. Once an
// arena is moved to the compacting slot of a snapshot it is read-only
// and may be shared freely across threads.
type Arena struct {
	records []storedRecord
	index   map[RecordID]int
}

func NewArena() *Arena {
	return &Arena{
		index: make(map[RecordID]int),
	}
}

// Size returns the number of distinct record ids buffered.
func (a *Arena) Size() int {
	return len(a.records)
}

// FetchRecordVersion returns the buffered version for id, or 0 if the
// arena does not hold the id.
func (a *Arena) FetchRecordVersion(id RecordID) uint64 {
	if i, ok := a.index[id]; ok {
		return a.records[i].Version
	}
	return 0
}

// InsertRecords appends the batch, honoring the writer-computed skip
// mask, and returns the set of ids actually inserted or updated. Within
// the arena, a later record for a known id replaces the buffered copy
// only when its version is strictly higher; ties keep the stored copy.
func (a *Arena) InsertRecords(records []Record, skip, update []bool) map[RecordID]bool {
	inserted := make(map[RecordID]bool)
	for i, rec := range records {
		if skip[i] {
			continue
		}

		if j, ok := a.index[rec.ID]; ok {
			if rec.Version <= a.records[j].Version {
				continue
			}
			a.records[j] = storedRecord{
				ID:      rec.ID,
				Version: rec.Version,
				Key:     rec.Key,
				Payload: rec.Payload,
			}
			inserted[rec.ID] = true
			continue
		}

		a.index[rec.ID] = len(a.records)
		a.records = append(a.records, storedRecord{
			ID:      rec.ID,
			Version: rec.Version,
			Key:     rec.Key,
			Payload: rec.Payload,
		})
		inserted[rec.ID] = true
	}
	return inserted
}

// WriteToDisk flushes the arena to path.cst / path.idx, assigning
// sequences [firstSequence, firstSequence+Size). Returns the data file
// size in bytes.
func (a *Arena) WriteToDisk(path string, firstSequence uint64) (uint64, error) {
	recs := make([]storedRecord, len(a.records))
	copy(recs, a.records)
	for i := range recs {
		recs[i].Sequence = firstSequence + uint64(i)
	}
	return writeSegmentFiles(path, recs)
}

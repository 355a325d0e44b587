// ABOUTME: Last-write-wins overlay of queued local changes on the pulled working set
// ABOUTME: Whole records only; a server row newer than a local change always wins

package syncengine

// Merge returns the records of resource with pending changes applied in queue
// order. A change is skipped when the server's copy was updated after the
// change was made. Fields are never merged.
func Merge(records []Record, pending []Change, resource string) []Record {
	out := make([]Record, 0, len(records))
	index := make(map[string]int, len(records))
	for _, r := range records {
		if r.Resource != resource {
			continue
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}

	for _, c := range pending {
		if c.Resource != resource {
			continue
		}
		i, exists := index[c.RecordID]
		if exists && out[i].UpdatedAt.After(c.ClientTime) {
			continue
		}

		switch c.Op {
		case OpCreate, OpUpdate:
			rec := Record{Resource: resource, ID: c.RecordID, Data: c.Payload, UpdatedAt: c.ClientTime}
			if exists {
				out[i] = rec
			} else {
				index[c.RecordID] = len(out)
				out = append(out, rec)
			}
		case OpDelete:
			if !exists {
				continue
			}
			out = append(out[:i], out[i+1:]...)
			delete(index, c.RecordID)
			for id, j := range index {
				if j > i {
					index[id] = j - 1
				}
			}
		}
	}
	return out
}

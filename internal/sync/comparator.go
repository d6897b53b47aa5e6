package sync

// ModifiedEntry is a matched pair whose remote side should be applied
type ModifiedEntry struct {
	Remote        *RemoteEntity
	Local         *LocalRecord
	ChangedFields []string
	// Conflict is set when the local row carries an unpushed edit
	Conflict bool
}

// UnchangedEntry is a matched pair that needs no write
type UnchangedEntry struct {
	Remote *RemoteEntity
	Local  *LocalRecord
}

// ComparisonResult partitions a fetch against the local rows. Every remote
// record lands in exactly one of New, Modified or Unchanged.
type ComparisonResult struct {
	New       []*RemoteEntity
	Modified  []ModifiedEntry
	Unchanged []UnchangedEntry
	Deleted   []*LocalRecord
}

// Total is the number of remote records classified
func (c *ComparisonResult) Total() int {
	return len(c.New) + len(c.Modified) + len(c.Unchanged)
}

// Pending is the number of writes applying the result would take
func (c *ComparisonResult) Pending() int {
	return len(c.New) + len(c.Modified) + len(c.Deleted)
}

// Compare classifies remote records against the local rows of one entity
// type. Deletions are only reported for full syncs, since an incremental
// fetch does not see records that were left alone remotely.
func Compare(spec *EntitySpec, remote []*RemoteEntity, local []*LocalRecord, fullSync bool) *ComparisonResult {
	byRemoteID := make(map[string]*LocalRecord, len(local))
	for _, l := range local {
		byRemoteID[l.RemoteID] = l
	}

	// A record repeated across pages keeps its last version
	latest := make(map[string]*RemoteEntity, len(remote))
	order := make([]string, 0, len(remote))
	for _, r := range remote {
		if _, ok := latest[r.RemoteID]; !ok {
			order = append(order, r.RemoteID)
		}
		latest[r.RemoteID] = r
	}

	result := &ComparisonResult{}
	for _, id := range order {
		r := latest[id]
		l, ok := byRemoteID[id]
		if !ok {
			result.New = append(result.New, r)
			continue
		}

		changed := changedFields(spec, r, l)
		if isModified(r, l, changed) {
			result.Modified = append(result.Modified, ModifiedEntry{
				Remote:        r,
				Local:         l,
				ChangedFields: changed,
				Conflict:      spec.TracksConflicts && (l.SyncStatus == RecordPending || l.SyncStatus == RecordConflict),
			})
			continue
		}
		result.Unchanged = append(result.Unchanged, UnchangedEntry{Remote: r, Local: l})
	}

	if fullSync {
		for _, l := range local {
			if l.IsDeleted() {
				continue
			}
			if _, ok := latest[l.RemoteID]; !ok {
				result.Deleted = append(result.Deleted, l)
			}
		}
	}

	return result
}

// isModified applies the precedence rules to a matched pair. A soft-deleted
// row always takes the remote so reappearing records are restored. When
// both sides carry a modification time the remote must be strictly newer;
// equal times count as unchanged even if fields differ.
func isModified(r *RemoteEntity, l *LocalRecord, changed []string) bool {
	if l.IsDeleted() {
		return true
	}
	if r.ModifiedOn != nil && l.RemoteModifiedOn != nil {
		return r.ModifiedOn.After(*l.RemoteModifiedOn)
	}
	for _, f := range changed {
		if f != "deleted_at" {
			return true
		}
	}
	return false
}

// changedFields lists the columns that differ between the two sides
func changedFields(spec *EntitySpec, r *RemoteEntity, l *LocalRecord) []string {
	var changed []string
	if l.IsDeleted() {
		changed = append(changed, "deleted_at")
	}
	if r.Name != l.Name {
		changed = append(changed, "name")
	}
	if r.Active != l.Active {
		changed = append(changed, "active")
	}
	for _, col := range spec.Columns {
		if canonical(col.Kind, r.Values[col.Name]) != canonical(col.Kind, l.Values[col.Name]) {
			changed = append(changed, col.Name)
		}
	}
	return changed
}

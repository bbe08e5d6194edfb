package walcore

// RetentionIndexes bounds how much of the log the registry (C5) is allowed
// to garbage-collect. A segment whose indexes are all below both floors is
// a GC candidate; segments still needed only by ForPeers are also collected
// once more than the configured maximum number of segments would remain.
type RetentionIndexes struct {
	// ForDurability is the lowest replicate index a local client might still
	// need replayed after a crash (e.g. not yet flushed to the tablet's
	// data store).
	ForDurability uint64
	// ForPeers is the lowest replicate index any known peer has not yet
	// confirmed receiving, so it can still be fetched for catch-up.
	ForPeers uint64
}

// Floor returns the lower of the two indexes.
func (r RetentionIndexes) Floor() uint64 {
	if r.ForDurability < r.ForPeers {
		return r.ForDurability
	}
	return r.ForPeers
}

// Package delta defines the data published by workflow sources and the rules
// for merging it into a local replica.
//
// # Topics
//
// A source's state is split into topics. TopicWorkflow is a single summary
// record; every other data topic is a collection of elements keyed by ID.
// TopicShutdown carries no state and only announces that the source is going away.
//
// Per-topic behaviour (record or collection, which key feeds the checksum) is
// looked up in one dispatch table, so adding a topic means adding one entry.
//
// # Merging
//
// Merge is the only way elements enter a replica:
//
//	elems = delta.Merge(elems, d, delta.ModeUpsert)  // incremental delta
//	elems = delta.Merge(elems, d, delta.ModeReplace) // reload, bootstrap, reconciliation
//
// # Checksums
//
// After applying a delta to a collection topic, the replica computes
// Checksum over its elements and compares it with Delta.Checksum. The digest is
// xxhash64 over the sorted "id@stamp" keys (IDs only for edges), one per line:
//
//	local := delta.Checksum(delta.TopicTasks, elems)
//	if local != d.Checksum {
//		// request the full topic from the source
//	}
//
// # Wire Format
//
// Deltas and snapshots are JSON; topics encode as their names:
//
//	{"topic":"tasks","time":12.5,"checksum":1234,"added":[{"id":"a","stamp":"a@1"}]}
package delta

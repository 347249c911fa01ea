// Package migration keeps the tiers in shape in the background.
//
// Two kinds of jobs run under a per-tick Budget handed out by a Governor:
//
//   - Flush moves frozen delta buffers into the disk tier each entry routes
//     to. Writers of all disk tiers are acquired in priority order and the
//     entries leave the delta only after every commit succeeded.
//   - Demotion moves records whose age no longer fits their tier to the next
//     colder one, in doc-key order. Each batch commits the destination first
//     and then removes the source copies whose stamp is unchanged, so an
//     interrupted batch leaves at most a duplicate with equal stamps.
//
// Demotion progress is persisted per job in a badger state DB; a restarted
// Coordinator resumes every job from its cursor.
package migration

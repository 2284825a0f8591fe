// Package riverbed implements an embedded, ordered key-value store on
// an LSM-tree layout: writes land in a durable in-memory nursery, the
// nursery flushes to an immutable level-0 B-tree file once full, and a
// background merge cascades files deeper as each level reaches two
// files. Reads walk the nursery and then the level chain newest-first;
// range folds merge across every live source online, in ascending key
// order, either as one unbounded call or as a resumable sequence of
// bounded chunks.
package riverbed

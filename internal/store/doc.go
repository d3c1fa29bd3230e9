package store

// Package store persists reminders and carries all cross-process coordination
// for the dispatch core.
//
// The store is the single source of truth: scanner and dispatcher replicas
// never coordinate in memory, only through conditional updates here
// (TryMarkDispatched, Advance, Requeue, Complete). Exactly one caller wins a
// pending->dispatched transition per occurrence.

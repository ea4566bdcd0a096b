// Package reorder restores the order of sequence-numbered device
// notifications.
//
// Appliances number their notifications, but the transport may deliver them
// slightly out of order. A Buffer holds one source's items and releases them
// in sequence, hiding a gap for at most the reorder window. When the window
// expires the lowest buffered item is released anyway, flagged as out of
// sequence: the missing notification is presumed lost and the caller is
// expected to resynchronise that source.
//
// A Collection groups one Buffer per source and serves ready items in
// approximate arrival order across sources ("first arrived, first ready").
//
// # Duplicates
//
// A sequence number that is already buffered, or that is not newer than the
// last released one, is rejected at ingestion (ErrDuplicate / ErrStale) and
// never stored, so it cannot mask a real gap later.
//
// # Timing
//
// The window is a soft timeout: readiness is a comparison against the clock
// at the moment the consumer asks, never a timer that fires on its own.
package reorder

// Package cache stores synthesized audio responses so repeated requests for
// the same text, voice, speed and backend skip the backend call. It layers
// an in-memory LRU (L1) over a zstd-compressed disk store (L2) and expires
// entries by age.
package cache

// Package pool provides reusable I/O buffers.
//
// sync.Pool caches allocated but unused objects for later reuse, relieving
// pressure on the garbage collector. Items in a Pool may be dropped at any
// garbage collection, so it only suits short-lived objects like buffers.
package pool

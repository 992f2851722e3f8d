/*
Package strandkv provides a pure-Go embedded durable key/value store built
on the log-structured merge-tree model.

StrandKV targets on-disk format compatibility with the RocksDB SST, WAL,
and MANIFEST formats: block layout, footer magic, varint-tagged version
edits, and WAL record framing all follow the same byte layout, so tooling
built against those formats can read StrandKV's files directly.

# Concurrency

A DB instance is safe for concurrent use by multiple goroutines. Individual
Iterator instances are not safe for concurrent use; each goroutine should
use its own iterator.
*/
package strandkv

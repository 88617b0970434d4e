// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bds3 presents a bucket of an s3 compatible object storage as a fixed
// size block device. Every block is one object, reads and writes of byte
// ranges are translated into downloads and uploads of whole blocks.
//
// The heavy lifting happens in the store stack assembled here. From top
// to bottom: a write-back block cache with read-ahead, a zero block cache
// eliding traffic for all-zero blocks, an eventual consistency protection
// layer serializing writes, and the backend I/O layer signing, encoding
// and retrying individual object operations. Every layer implements the
// same Store interface and can be left out, so the stack composition can
// be changed trivially.
package bds3

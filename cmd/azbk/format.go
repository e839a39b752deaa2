// cmd/azbk/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFormatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Describe the snapshot format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(a.stdout, formatText)
			return err
		},
	}
}

var formatText = `
This document describes the way that azbk stores snapshots in sufficient
detail that (if ever necessary), it's possible to restore one without the
azbk source code. We'll proceed in bottom-up fashion from the object layout
up to the individual records.

# Object layout

Each table or blob container is stored as a single object. The object's key
is

	{account}/table/{table name}
	{account}/container/{container name}

in the configured S3 or GCS bucket, or as the file of that path under the
configured directory for local snapshots. Each backup overwrites the
previous snapshot of the same collection; keeping older versions is left to
the bucket's versioning and retention settings. An object is only replaced
once the entire new snapshot has been written, so a failed backup leaves
the previous snapshot in place.

# Compression

Objects are a single zstd stream (see RFC 8878); unless the target is
encrypted, any zstd decompressor, e.g. "zstd -d", recovers the contents. A collection with nothing in it is
stored as a zstd stream that decompresses to zero bytes.

# Records

The decompressed contents are newline-delimited JSON: one JSON object per
line, with no newlines inside a record. Empty lines are ignored.

For tables, each record is a table entity as returned by the Table
service's JSON API, including PartitionKey, RowKey, Timestamp and the
"odata.*" annotations. The annotations and Timestamp are ignored when a
row is restored; the service assigns new ones.

For blob containers, each record describes one blob:

	{"name": "path/of/blob",
	 "info": {"type": "BlockBlob",
	          "contentType": "text/plain",
	          "metadata": {"key": "value"},
	          "content": "<base64 encoded content>",
	          "contentMD5": "<base64 encoded MD5 of the content>"}}

(shown on multiple lines here for readability). contentType, metadata and
contentMD5 are omitted when empty. Only block blobs are supported. When a
blob is restored, the MD5 the service reports for the uploaded content must
match contentMD5.

# Encryption

If target.encrypt is set, each object is encrypted *after* zstd
compression (otherwise compression would be useless), so decryption must
be applied before decompression. Each encrypted object starts with a
random 16 byte initialization vector, followed by the data encrypted with
AES-256 in CTR mode.

To get the decryption key: First, the object encrypt.txt at the top of the
store has four hex-encoded values. In order: a salt, the hash of the
passphrase, the encrypted key, and the IV used to encrypt the encryption
key.

Given the passphrase (from $AZBK_PASSPHRASE), a 64-byte derived key is
computed using 65536 rounds of pbkdf2:

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)

The first 32 bytes of the result should match the passphrase hash in
encrypt.txt. The last 32 bytes are the AES-256 CTR key used to decrypt the
encrypted key from encrypt.txt.

# Reed-Solomon parity

Local snapshots may be written with Reed-Solomon parity information
(target.parity: true). The parity for a snapshot is stored in a file of the
same name with an .rs suffix. The .rs files are based on the Go "gob"
encoding package; they just store the following structure:

const HashSize = 64
type Hash [HashSize]byte

type ParityFile struct {
	// Size of the original file
	Size                       int64
	NDataShards, NParityShards int
	Hashes                     []Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

The snapshot is split into NDataShards equally-sized shards (the last one
padded with zeros) and encoded with github.com/klauspost/reedsolomon using
NParityShards parity shards. Each Hash is the 64-byte SHAKE256 hash of one
shard. "azbk fsck" uses the hashes to find corrupt shards and the parity
shards to reconstruct them.
`

/*
Package kvbind stores typed records in an ordered transactional key-value
store (Bolt, or an in-memory B-tree for tests) and keeps secondary indexes
and foreign keys consistent with them.

We implement:

1. Stores, sorted collections of unique byte keys mapped to byte values.

2. Bindings, converting between Go values and those bytes: the order
preserving tuple codec (package tuple) for keys, the catalog-backed serial
codec for evolving structs, and msgpack, JSON or BSON for plain values.

3. Indexes, maintained on every Put and Delete from keys that a
KeyExtractor derives from the record. Indexes may allow duplicates or be
unique.

4. Foreign keys, indexes whose keys are primary keys of another store. Puts
must reference existing records; deleting a referenced record aborts,
clears the reference, or cascades, depending on the foreign key's policy.

5. Joins, intersecting the duplicates of several index keys.

6. Typed views (Map, EntityMap, IndexMap) on top of all of the above.

# Technical Details

**Buckets.**
Every store lives in a bucket named after it. Every index lives in a bucket
named "<store>/<index>". Names starting with an underscore are reserved:
_catalog holds class descriptors, _state holds per-store index state.

**Index entries.**
An index bucket maps memcmp(indexKey) ++ primaryKey to an empty value. The
memcmp encoding is order preserving and self-delimiting, so all duplicates of
one index key are adjacent and sorted by primary key, and a join can seek
within them.

**Store state.**
We store a small msgpack document per store which records the indexes that
existed during the previous Open and whether they are fully built. Indexes
added to a non-empty store are populated on Open; indexes that disappeared
from the schema have their buckets dropped.

**Serial format.**
A serial value starts with the uvarint class ID of the descriptor it was
written with, followed by the fields in descriptor order. Descriptors live in
the catalog and are never deleted, so old values stay readable after the Go
type gains, loses or reorders fields.
*/
package kvbind

/*
Package chest implements a versioned, schema-driven item repository on top of
a key-value page store (in this case, Bolt) or a plain directory of XML files.

We implement:

1. Items, versioned objects with typed attributes, a parent/child hierarchy
and a stable UUID identity.

2. Kinds and Attributes, schema objects that are themselves items, describing
the attribute set, cardinality and value types of other items.

3. Reference collections, ordered (RefList) or unordered (RefDict) sets of
item-to-item references backed by a ranked skip list, with optional secondary
indexes (numeric, attribute-ordered, locale-collated string).

4. Views, session-scoped MVCC windows over the repository. A view reads a
fixed version and accumulates local mutations; Commit publishes them as a new
repository version, Refresh pulls other views' commits forward, and Merge
resolves attribute-level conflicts between concurrent edits.

# Technical Details

**Versions.**
Every commit advances a single global version counter. A record is keyed by
(UUID, version); a view at version V sees, for each item, the newest record
with version <= V. Committed versions are immutable; they can be superseded,
never rewritten.

**Commit.**
Commit is the only cross-view serialization point. Under the repository lock
we read the head version, detect and merge conflicts against the view's base
version, write the whole batch plus a change-set record, and publish the new
head. The Bolt backend makes the batch atomic; the file backend documents a
weaker guarantee (each file is written atomically, the batch is not).

**Schema bootstrap.**
The kinds describing Kind and Attribute are themselves items of their own
kind, created kindless and wired up immediately afterwards. Schema items are
versioned and merged like any other item.

**Deferred reindexing.**
Collection index maintenance can be deferred with a re-entrant per-view
scope; index updates queued inside the scope are coalesced and applied once
when the outermost scope exits.
*/
package chest

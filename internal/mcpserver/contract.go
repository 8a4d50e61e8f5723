package mcpserver

const usageGuideURI = "strata://usage-guide"

// UsageGuide explains the chunk hierarchy to LLM consumers of the tools.
const UsageGuide = `# Strata Usage Guide

Strata stores text as a tree of chunks per message.

## Levels

- **base**: leaves. Contiguous slices of the original text; each carries a
  byte ` + "`span`" + ` into its message.
- **section**: a summary of 3 to 5 consecutive leaves.
- **document**: one summary of all section summaries of a message.

A message is **complete** once its document summary exists and is linked.
Until then its status is **pending** or **partial**; searches only see what
has been committed and embedded so far.

## Searching

1. Start broad: ` + "`semantic_search`" + ` with ` + "`levels: [\"document\"]`" + ` to find relevant
   messages, then drill down with ` + "`get_message_view`" + ` (depth ` + "`sections`" + ` or ` + "`full`" + `).
2. For precise passages search ` + "`base`" + ` leaves directly.
3. ` + "`keyword_search`" + ` matches literal terms; use it for names and identifiers.

Every hit has a **breadcrumb**: collection, message, and the summaries above the
chunk, nearest first. Quote leaf ` + "`content`" + ` when citing; summaries paraphrase.

## Relationships

Chunks may be linked across messages and collections with typed edges:
` + "`cites`, `responds_to`, `transforms_into`, `derived_from`, `contradicts`, `supports`" + `.
Use ` + "`get_related`" + ` to follow them and ` + "`add_relationship`" + ` to record new ones.
Strength is a weight in [0, 1].

## Writing

` + "`ingest_text`" + ` stores a new message and returns its leaf ids right away.
Summaries follow in the background; poll ` + "`message_status`" + ` until it reports
` + "`complete`" + `.
`

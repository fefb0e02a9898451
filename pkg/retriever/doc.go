// Package retriever supplies evidence documents for deployment planning.
//
// Documents come from a directory of markdown files (or the built-in
// corpus) and are split into overlapping sections. Queries are scored
// locally by term overlap, or, when embedding and reranking endpoints are
// configured, by a hosted two-stage embed-then-rerank pipeline that falls
// back to local scoring on any failure.
package retriever

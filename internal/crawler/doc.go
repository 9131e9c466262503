// Package crawler defines the domain types and collaborator interfaces shared
// by the gallery crawl pipeline: page tasks, fetched pages, extraction
// results, image download outcomes, and worker outcomes.
package crawler

// Package crawler defines the domain types, collaborator interfaces, reason
// codes, and URL helpers shared by the crawl service, the extraction worker,
// the queue manager, and the orchestrator.
package crawler

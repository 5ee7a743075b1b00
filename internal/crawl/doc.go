// Package crawl defines the domain types and interfaces shared by the
// discovery engine, the download pool manager, and the persistence layer.
package crawl

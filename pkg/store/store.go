// Package store provides typed repositories over the relational database.
// Each repository wraps a small set of raw SQL statements; the rest of the
// service treats rows as opaque append/read records.
package store

import "database/sql"

// Stores bundles all repositories over a shared connection pool.
type Stores struct {
	Artifacts        *TestArtifactStore
	ExecutionReports *ExecutionReportStore
	TestReports      *TestReportStore
	Logs             *LogStore
	Recommendations  *RecommendationStore
	Watchers         *WatcherStore
}

// New builds the repository bundle over db.
func New(db *sql.DB) *Stores {
	return &Stores{
		Artifacts:        &TestArtifactStore{db: db},
		ExecutionReports: &ExecutionReportStore{db: db},
		TestReports:      &TestReportStore{db: db},
		Logs:             &LogStore{db: db},
		Recommendations:  &RecommendationStore{db: db},
		Watchers:         &WatcherStore{db: db},
	}
}

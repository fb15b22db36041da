package database

import (
	"time"

	"gorm.io/gorm"
)

// QueryRecorder receives the operation kind and duration of every
// statement GORM runs.
type QueryRecorder func(operation string, duration time.Duration)

const queryStartKey = "flowengine:query_start"

// RegisterQueryMetrics attaches before/after callbacks to every GORM
// processor so statement latencies reach the recorder.
func RegisterQueryMetrics(db *gorm.DB, record QueryRecorder) error {
	before := func(db *gorm.DB) {
		db.InstanceSet(queryStartKey, time.Now())
	}
	after := func(operation string) func(*gorm.DB) {
		return func(db *gorm.DB) {
			v, ok := db.InstanceGet(queryStartKey)
			if !ok {
				return
			}
			start, ok := v.(time.Time)
			if !ok {
				return
			}
			record(operation, time.Since(start))
		}
	}

	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("metrics:create_start", before); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("metrics:create_done", after("create")); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("metrics:query_start", before); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("metrics:query_done", after("query")); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("metrics:update_start", before); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("metrics:update_done", after("update")); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("metrics:delete_start", before); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("metrics:delete_done", after("delete")); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("metrics:row_start", before); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("metrics:row_done", after("row")); err != nil {
		return err
	}
	if err := cb.Raw().Before("gorm:raw").Register("metrics:raw_start", before); err != nil {
		return err
	}
	return cb.Raw().After("gorm:raw").Register("metrics:raw_done", after("raw"))
}

package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GroupRecord is one row of the SQL backend.
type GroupRecord struct {
	Bucket string `gorm:"primaryKey;size:32"`
	Key    string `gorm:"column:record_key;primaryKey;size:512"`
	Value  []byte
}

// TableName pins the table name regardless of the naming strategy.
func (GroupRecord) TableName() string { return "group_records" }

type sqlBackend struct {
	db    *gorm.DB
	owned bool
}

func (b *sqlBackend) get(bucket, key string) ([]byte, bool, error) {
	var rec GroupRecord
	err := b.db.Where("bucket = ? AND record_key = ?", bucket, key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

func (b *sqlBackend) put(bucket, key string, value []byte) error {
	return b.db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}, {Name: "record_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&GroupRecord{Bucket: bucket, Key: key, Value: value}).Error
}

func (b *sqlBackend) delete(bucket, key string) error {
	return b.db.Where("bucket = ? AND record_key = ?", bucket, key).Delete(&GroupRecord{}).Error
}

func (b *sqlBackend) scan(bucket, prefix string) (map[string][]byte, error) {
	var recs []GroupRecord
	q := b.db.Where("bucket = ?", bucket)
	if prefix != "" {
		q = q.Where("record_key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(recs))
	for _, r := range recs {
		// LIKE folds ASCII case on SQLite.
		if !strings.HasPrefix(r.Key, prefix) {
			continue
		}
		out[r.Key] = r.Value
	}
	return out, nil
}

func (b *sqlBackend) close() error {
	if !b.owned {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

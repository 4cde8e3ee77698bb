package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backplane/internal/store/predicate"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Attributes is a JSON-encoded string map column. Stored as text so the same
// schema works on postgres and sqlite.
type Attributes map[string]string

// Value implements driver.Valuer.
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(a))
	if err != nil {
		return nil, fmt.Errorf("store.Attributes: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *Attributes) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*a = Attributes{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("store.Attributes: unsupported scan type %T", value)
	}
	m := map[string]string{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("store.Attributes: invalid JSON: %w", err)
	}
	*a = m
	return nil
}

type recordRow struct {
	Tbl        string     `gorm:"primaryKey;size:64;index:idx_records_route,priority:1;index:idx_records_grant,priority:1;index:idx_records_client,priority:1;index:idx_records_expires,priority:1"`
	ID         string     `gorm:"primaryKey;size:191"`
	Bus        *string    `gorm:"size:191;index:idx_records_route,priority:2"`
	Channel    *string    `gorm:"size:191;index:idx_records_route,priority:3"`
	Sticky     *string    `gorm:"size:8"`
	GrantID    *string    `gorm:"size:191;index:idx_records_grant,priority:2"`
	ClientID   *string    `gorm:"size:191;index:idx_records_client,priority:2"`
	Expires    *string    `gorm:"size:64;index:idx_records_expires,priority:2"`
	Attributes Attributes `gorm:"type:text;not null"`
	Revision   int64      `gorm:"not null;default:1"`
	UpdatedAt  time.Time  `gorm:"not null"`
}

func (recordRow) TableName() string { return "backplane_records" }

func (r recordRow) record() Record {
	return Record{ID: r.ID, Attributes: copyAttributes(r.Attributes), Revision: r.Revision}
}

// indexedColumns maps the predicate fields mirrored into their own columns
// to those columns. A missing attribute is stored as NULL, so SQL
// comparisons on it are false as they are in the predicate language.
var indexedColumns = map[string]string{
	predicate.IDField: "id",
	"bus":             "bus",
	"channel":         "channel",
	"sticky":          "sticky",
	"grant_id":        "grant_id",
	"client_id":       "client_id",
	"expires":         "expires",
}

var sqlOperators = map[string]string{
	"=": "=", "!=": "<>", ">": ">", ">=": ">=", "<": "<", "<=": "<=", predicate.OpIn: "IN",
}

func isIndexed(field string) bool {
	_, ok := indexedColumns[field]
	return ok
}

func optional(attrs map[string]string, key string) *string {
	if v, ok := attrs[key]; ok {
		return &v
	}
	return nil
}

func newRow(table string, rec Record, now time.Time) recordRow {
	a := rec.Attributes
	return recordRow{
		Tbl:        table,
		ID:         rec.ID,
		Bus:        optional(a, "bus"),
		Channel:    optional(a, "channel"),
		Sticky:     optional(a, "sticky"),
		GrantID:    optional(a, "grant_id"),
		ClientID:   optional(a, "client_id"),
		Expires:    optional(a, "expires"),
		Attributes: a,
		Revision:   1,
		UpdatedAt:  now,
	}
}

// columnValues is the assignment set for rewriting a row's attributes.
func columnValues(row recordRow) map[string]any {
	return map[string]any{
		"attributes": row.Attributes,
		"bus":        row.Bus,
		"channel":    row.Channel,
		"sticky":     row.Sticky,
		"grant_id":   row.GrantID,
		"client_id":  row.ClientID,
		"expires":    row.Expires,
		"updated_at": row.UpdatedAt,
	}
}

// Gorm is a Backend over a single gorm-managed table. The indexed fields of
// a predicate are evaluated by the database; the rest is evaluated in
// process on the rows it returns.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm { return &Gorm{db: db} }

// AutoMigrate creates or updates the records table. On postgres the ID and
// expiry columns use byte-order collation so range comparisons and ordering
// agree with the in-process evaluation.
func (g *Gorm) AutoMigrate(ctx context.Context) error {
	db := g.db.WithContext(ctx)
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return err
	}
	if g.db.Dialector.Name() != "postgres" {
		return nil
	}
	var collated int64
	if err := db.Raw(`SELECT count(*) FROM information_schema.columns
		WHERE table_name = 'backplane_records' AND column_name IN ('id', 'expires') AND collation_name = 'C'`).
		Scan(&collated).Error; err != nil {
		return err
	}
	if collated == 2 {
		return nil
	}
	return db.Exec(`ALTER TABLE backplane_records
		ALTER COLUMN id TYPE varchar(191) COLLATE "C",
		ALTER COLUMN expires TYPE varchar(64) COLLATE "C"`).Error
}

func (g *Gorm) Put(ctx context.Context, table string, rec Record, opts ...PutOption) error {
	if err := checkRecord(rec, opts); err != nil {
		return err
	}
	row := newRow(table, rec, time.Now().UTC())
	updates := columnValues(row)
	updates["revision"] = gorm.Expr("backplane_records.revision + 1")
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tbl"}, {Name: "id"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(&row).Error
}

func (g *Gorm) Insert(ctx context.Context, table string, rec Record, opts ...PutOption) error {
	if err := checkRecord(rec, opts); err != nil {
		return err
	}
	row := newRow(table, rec, time.Now().UTC())
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, table, rec.ID)
	}
	return nil
}

func (g *Gorm) CompareAndSwap(ctx context.Context, table string, rec Record, opts ...PutOption) (int64, error) {
	if err := checkRecord(rec, opts); err != nil {
		return 0, err
	}
	updates := columnValues(newRow(table, rec, time.Now().UTC()))
	updates["revision"] = rec.Revision + 1
	res := g.db.WithContext(ctx).
		Model(&recordRow{}).
		Where("tbl = ? AND id = ? AND revision = ?", table, rec.ID, rec.Revision).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := g.Get(ctx, table, rec.ID); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s/%s expected revision %d", ErrConflict, table, rec.ID, rec.Revision)
	}
	return rec.Revision + 1, nil
}

func (g *Gorm) Get(ctx context.Context, table, id string) (Record, error) {
	var row recordRow
	if err := g.db.WithContext(ctx).First(&row, "tbl = ? AND id = ?", table, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
		}
		return Record{}, err
	}
	return row.record(), nil
}

// selectTable scopes a query to table and to the conditions of p the
// database can evaluate. exact reports whether no residual filtering is
// needed.
func (g *Gorm) selectTable(ctx context.Context, table string, p *predicate.Predicate) (q *gorm.DB, exact bool) {
	q = g.db.WithContext(ctx).Model(&recordRow{}).Where("tbl = ?", table)
	conds, exact := p.Conditions(isIndexed)
	for _, c := range conds {
		col, op := indexedColumns[c.Field], sqlOperators[c.Op]
		if c.Op == predicate.OpIn {
			q = q.Where(col+" IN ?", c.Values)
			continue
		}
		q = q.Where(col+" "+op+" ?", c.Values[0])
	}
	return q, exact
}

func (g *Gorm) Where(ctx context.Context, table, pred string, consistentRead bool) ([]Record, error) {
	p, err := predicate.Compile(pred)
	if err != nil {
		return nil, err
	}
	q, exact := g.selectTable(ctx, table, p)
	var rows []recordRow
	if err := q.Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		if !exact {
			ok, err := p.Match(row.ID, row.Attributes)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, row.record())
	}
	return out, nil
}

func (g *Gorm) Count(ctx context.Context, table, pred string) (int64, error) {
	p, err := predicate.Compile(pred)
	if err != nil {
		return 0, err
	}
	q, exact := g.selectTable(ctx, table, p)
	if exact {
		var n int64
		err := q.Count(&n).Error
		return n, err
	}
	recs, err := g.Where(ctx, table, pred, true)
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

func (g *Gorm) Delete(ctx context.Context, table, id string) error {
	res := g.db.WithContext(ctx).Where("tbl = ? AND id = ?", table, id).Delete(&recordRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return nil
}

func (g *Gorm) DeleteWhere(ctx context.Context, table, pred string) (int64, error) {
	p, err := predicate.Compile(pred)
	if err != nil {
		return 0, err
	}
	if q, exact := g.selectTable(ctx, table, p); exact {
		res := q.Delete(&recordRow{})
		return res.RowsAffected, res.Error
	}
	recs, err := g.Where(ctx, table, pred, true)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	res := g.db.WithContext(ctx).Where("tbl = ? AND id IN ?", table, ids).Delete(&recordRow{})
	return res.RowsAffected, res.Error
}

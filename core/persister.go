// Package core implements the reactive persistence engine of nereid.
// This file defines the persister: the per-entity strategy object that
// builds INSERT/UPDATE/DELETE/lock statements for a mapped type and
// executes them over the non-blocking connection. Statement building is
// pure and synchronous; only the execution step returns stages. Versioned
// updates and deletes detect concurrent modification through the affected
// row count and surface StaleStateError.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/leandroluk/nereid/stage"
)

// Persister maps one entity type to its table, builds its mutation
// statements, and executes them. Immutable after factory boot; shared
// read-only across all sessions.
type Persister struct {
	meta      *Meta
	dialect   Dialect
	generator IdentifierGenerator
	factory   *Factory
}

func newPersister(meta *Meta, dialect Dialect, generator IdentifierGenerator, factory *Factory) *Persister {
	return &Persister{meta: meta, dialect: dialect, generator: generator, factory: factory}
}

// Meta returns the entity descriptor.
func (p *Persister) Meta() *Meta { return p.meta }

// Generator returns the identifier generator for the entity.
func (p *Persister) Generator() IdentifierGenerator { return p.generator }

// IdentifierOf reads the (normalized) identifier value of an entity.
func (p *Persister) IdentifierOf(entity any) any {
	return normalizeKey(fieldValue(entity, p.meta.ID()))
}

// SetIdentifier assigns a generated identifier to the entity.
func (p *Persister) SetIdentifier(entity any, id any) error {
	return setFieldValue(entity, p.meta.ID(), id)
}

// VersionOf reads the version value of a versioned entity, or nil.
func (p *Persister) VersionOf(entity any) any {
	if p.meta.versionField == nil {
		return nil
	}
	return fieldValue(entity, p.meta.versionField)
}

// foreignKeyValue resolves the foreign-key column value of a to-one
// association: the target's identifier when the reference is loaded, the
// raw key when it is lazy, nil when empty.
func (p *Persister) foreignKeyValue(entity any, assoc *ToOne) (any, error) {
	ref := refOf(entity, assoc)
	if !ref.refInitialized() {
		return ref.refKey(), nil
	}
	target := ref.refValue()
	if target == nil {
		if assoc.Required {
			return nil, fmt.Errorf("core: required association %s.%s is empty", p.meta.EntityName, assoc.FieldName)
		}
		return nil, nil
	}
	targetPersister, err := p.factory.persisterOf(assoc.Target)
	if err != nil {
		return nil, err
	}
	return targetPersister.IdentifierOf(target), nil
}

// Snapshot captures the current database image of the entity: every basic
// column plus the foreign-key columns of its to-one associations. The
// persistence context stores it for dirty checking.
func (p *Persister) Snapshot(entity any) (Changes, error) {
	snapshot := make(Changes, len(p.meta.Fields)+len(p.meta.ToOneList))
	for _, field := range p.meta.Fields {
		snapshot[field.DatabaseColumnName] = fieldValue(entity, field)
	}
	for _, assoc := range p.meta.ToOneList {
		value, err := p.foreignKeyValue(entity, assoc)
		if err != nil {
			return nil, err
		}
		snapshot[assoc.ColumnName] = value
	}
	return snapshot, nil
}

// DirtyChanges compares the entity's current state against a snapshot and
// returns the changed columns. The identifier and version columns never
// appear: the identifier is immutable and the version is bumped by
// BuildUpdate itself.
func (p *Persister) DirtyChanges(entity any, snapshot Changes) (Changes, error) {
	current, err := p.Snapshot(entity)
	if err != nil {
		return nil, err
	}
	changes := Changes{}
	for column, value := range current {
		field := p.meta.FieldByColumn(column)
		if field != nil && (field.IsPrimaryKey || field.IsVersion) {
			continue
		}
		if !valuesEqual(value, snapshot[column]) {
			changes[column] = value
		}
	}
	return changes, nil
}

// insertFields lists the columns bound by BuildInsert: every basic field
// except a database-assigned identifier.
func (p *Persister) insertFields() []*Field {
	fieldList := make([]*Field, 0, len(p.meta.Fields))
	for _, field := range p.meta.Fields {
		if field.IsPrimaryKey && p.generator.PostInsert() {
			continue
		}
		fieldList = append(fieldList, field)
	}
	return fieldList
}

// BuildInsert renders the INSERT statement for the entity's current state.
// Pure; no database interaction.
//
// A nil value on a column carrying a default renders the default expression
// instead of a bind; a nil value on a required column is an error. A mapping
// with no insertable columns falls back to the dialect's zero-column insert
// syntax, or fails when the dialect has none.
func (p *Persister) BuildInsert(entity any) (Statement, error) {
	columnList := []string{}
	valueList := []string{}
	argList := []any{}

	for _, field := range p.insertFields() {
		value := fieldValue(entity, field)
		if value == nil && field.DefaultValue != "" {
			columnList = append(columnList, field.DatabaseColumnName)
			valueList = append(valueList, field.DefaultValue)
			continue
		}
		if value == nil && field.IsRequired {
			return Statement{}, fmt.Errorf("core: required column %s.%s is nil", p.meta.EntityName, field.DatabaseColumnName)
		}
		columnList = append(columnList, field.DatabaseColumnName)
		argList = append(argList, value)
		valueList = append(valueList, p.dialect.Placeholder(len(argList)))
	}
	for _, assoc := range p.meta.ToOneList {
		value, err := p.foreignKeyValue(entity, assoc)
		if err != nil {
			return Statement{}, err
		}
		columnList = append(columnList, assoc.ColumnName)
		argList = append(argList, value)
		valueList = append(valueList, p.dialect.Placeholder(len(argList)))
	}

	table := QualifyTable(p.dialect, p.meta.Database, p.meta.Table)
	if len(columnList) == 0 {
		sql := p.dialect.InsertDefaultValues(table)
		if sql == "" {
			return Statement{}, fmt.Errorf("core: entity %s has no insertable columns and dialect %s has no zero-column insert syntax",
				p.meta.EntityName, p.dialect.Name())
		}
		return Statement{SQL: sql}, nil
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table,
		joinColumns(p.dialect, columnList),
		strings.Join(valueList, ", "))
	return Statement{SQL: sql, Args: argList}, nil
}

// BuildUpdate renders the UPDATE statement applying the given column
// changes. Versioned entities bump the version column and filter on the
// expected old version. Pure; no database interaction.
func (p *Persister) BuildUpdate(entity any, changes Changes, oldVersion any) (Statement, error) {
	if len(changes) == 0 {
		return Statement{}, fmt.Errorf("core: empty update for %s", p.meta.EntityName)
	}
	argList := []any{}
	setPartList := []string{}
	for _, field := range p.meta.Fields {
		value, changed := changes[field.DatabaseColumnName]
		if !changed || field.IsPrimaryKey {
			continue
		}
		if field.IsVersion {
			// Version bumps are rendered below from oldVersion.
			continue
		}
		if value == nil && field.IsRequired {
			return Statement{}, fmt.Errorf("core: required column %s.%s is nil", p.meta.EntityName, field.DatabaseColumnName)
		}
		argList = append(argList, value)
		setPartList = append(setPartList, fmt.Sprintf("%s = %s",
			p.dialect.QuoteIdentifier(field.DatabaseColumnName), p.dialect.Placeholder(len(argList))))
	}
	for _, assoc := range p.meta.ToOneList {
		value, changed := changes[assoc.ColumnName]
		if !changed {
			continue
		}
		argList = append(argList, value)
		setPartList = append(setPartList, fmt.Sprintf("%s = %s",
			p.dialect.QuoteIdentifier(assoc.ColumnName), p.dialect.Placeholder(len(argList))))
	}

	versioned := p.meta.versionField != nil
	if versioned {
		column := p.dialect.QuoteIdentifier(p.meta.versionField.DatabaseColumnName)
		setPartList = append(setPartList, fmt.Sprintf("%s = %s + 1", column, column))
	}
	if len(setPartList) == 0 {
		return Statement{}, fmt.Errorf("core: update for %s changes no columns", p.meta.EntityName)
	}

	argList = append(argList, p.IdentifierOf(entity))
	whereClause := fmt.Sprintf("%s = %s",
		p.dialect.QuoteIdentifier(p.meta.ID().DatabaseColumnName), p.dialect.Placeholder(len(argList)))
	if versioned {
		argList = append(argList, oldVersion)
		whereClause += fmt.Sprintf(" AND %s = %s",
			p.dialect.QuoteIdentifier(p.meta.versionField.DatabaseColumnName), p.dialect.Placeholder(len(argList)))
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		QualifyTable(p.dialect, p.meta.Database, p.meta.Table),
		strings.Join(setPartList, ", "),
		whereClause)
	return Statement{SQL: sql, Args: argList}, nil
}

// BuildDelete renders the DELETE statement for the given identifier,
// filtering on the expected version for versioned entities. Pure.
func (p *Persister) BuildDelete(id any, version any) Statement {
	argList := []any{id}
	whereClause := fmt.Sprintf("%s = %s",
		p.dialect.QuoteIdentifier(p.meta.ID().DatabaseColumnName), p.dialect.Placeholder(1))
	if p.meta.versionField != nil {
		argList = append(argList, version)
		whereClause += fmt.Sprintf(" AND %s = %s",
			p.dialect.QuoteIdentifier(p.meta.versionField.DatabaseColumnName), p.dialect.Placeholder(2))
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s",
		QualifyTable(p.dialect, p.meta.Database, p.meta.Table), whereClause)
	return Statement{SQL: sql, Args: argList}
}

// BuildLock renders the locking SELECT for the given identifier and mode.
// Pure.
func (p *Persister) BuildLock(id any, mode LockMode) Statement {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		p.dialect.QuoteIdentifier(p.meta.ID().DatabaseColumnName),
		QualifyTable(p.dialect, p.meta.Database, p.meta.Table),
		p.dialect.QuoteIdentifier(p.meta.ID().DatabaseColumnName),
		p.dialect.Placeholder(1))
	if clause := p.dialect.LockClause(mode); clause != "" {
		sql += " " + clause
	}
	return Statement{SQL: sql, Args: []any{id}}
}

// Insert executes the entity's insert on the session's connection. For
// identity-generated identifiers the database-assigned value is read back
// and set on the entity.
func (p *Persister) Insert(ctx context.Context, session *Session, entity any) *stage.Stage[stage.Unit] {
	statement, err := p.BuildInsert(entity)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	if p.generator.PostInsert() {
		sql := statement.SQL
		if p.dialect.IdentityStrategy() == IdentityReturning {
			sql += " RETURNING " + p.dialect.QuoteIdentifier(p.meta.ID().DatabaseColumnName)
		}
		returning := session.execInsertReturning(ctx, Statement{SQL: sql, Args: statement.Args})
		return stage.Then(returning, func(id any) (stage.Unit, error) {
			if err := p.SetIdentifier(entity, normalizeKey(id)); err != nil {
				return stage.Unit{}, err
			}
			return stage.Unit{}, nil
		})
	}
	return stage.Void(session.execUpdate(ctx, statement))
}

// Update executes a versioned-checked update: zero affected rows on a
// versioned entity means a concurrent transaction changed or removed the
// row, surfaced as StaleStateError.
func (p *Persister) Update(ctx context.Context, session *Session, entity any, changes Changes, oldVersion any) *stage.Stage[stage.Unit] {
	statement, err := p.BuildUpdate(entity, changes, oldVersion)
	if err != nil {
		return stage.Failed[stage.Unit](err)
	}
	id := p.IdentifierOf(entity)
	return stage.Then(session.execUpdate(ctx, statement), func(affected int64) (stage.Unit, error) {
		if affected == 0 && p.meta.versionField != nil {
			return stage.Unit{}, &StaleStateError{EntityName: p.meta.EntityName, ID: id, Expected: 1, Actual: affected}
		}
		return stage.Unit{}, nil
	})
}

// Delete executes a version-checked delete with the same stale-state
// detection as Update.
func (p *Persister) Delete(ctx context.Context, session *Session, id any, version any) *stage.Stage[stage.Unit] {
	statement := p.BuildDelete(id, version)
	return stage.Then(session.execUpdate(ctx, statement), func(affected int64) (stage.Unit, error) {
		if affected == 0 && p.meta.versionField != nil {
			return stage.Unit{}, &StaleStateError{EntityName: p.meta.EntityName, ID: id, Expected: 1, Actual: affected}
		}
		return stage.Unit{}, nil
	})
}

// Lock acquires a database-level lock on the entity's row. Upgrading a
// versioned entity with LockForceIncrement additionally bumps the version.
func (p *Persister) Lock(ctx context.Context, session *Session, entity any, mode LockMode) *stage.Stage[stage.Unit] {
	if mode == LockNone {
		return stage.Of(stage.Unit{})
	}
	id := p.IdentifierOf(entity)
	statement := p.BuildLock(id, mode)
	locked := stage.Then(session.execSelect(ctx, statement), func(rows Rows) (stage.Unit, error) {
		if rows.Len() == 0 {
			return stage.Unit{}, &StaleStateError{EntityName: p.meta.EntityName, ID: id, Expected: 1, Actual: 0}
		}
		return stage.Unit{}, nil
	})
	if mode != LockForceIncrement || p.meta.versionField == nil {
		return locked
	}
	return stage.Compose(locked, func(stage.Unit) *stage.Stage[stage.Unit] {
		oldVersion := p.VersionOf(entity)
		bumped := p.Update(ctx, session, entity, Changes{
			p.meta.versionField.DatabaseColumnName: nil, // rendered as version = version + 1
		}, oldVersion)
		return stage.Then(bumped, func(stage.Unit) (stage.Unit, error) {
			next, err := toInt64(oldVersion)
			if err != nil {
				return stage.Unit{}, err
			}
			return stage.Unit{}, setFieldValue(entity, p.meta.versionField, next+1)
		})
	})
}

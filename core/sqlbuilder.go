// Package core implements the reactive persistence engine of nereid.
// This file renders conditions and statements into dialect-specific SQL.
// Everything here is pure: building a statement never touches the database,
// so the persister and loader layers can share it with tests and keep the
// effectful execution step behind the connection contract.
package core

import (
	"fmt"
	"strings"
)

// Statement is a rendered SQL string with its ordered positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// renderCondition renders a condition tree into a WHERE fragment, appending
// bind values to argList and numbering placeholders from its current length.
func renderCondition(dialect Dialect, condition *Condition, argList *[]any) string {
	if condition == nil {
		return "1=1"
	}
	if len(condition.Children) > 0 {
		partList := []string{}
		for _, child := range condition.Children {
			partList = append(partList, renderCondition(dialect, child, argList))
		}
		switch *condition.Operator {
		case OpAnd:
			return "(" + strings.Join(partList, " AND ") + ")"
		case OpOr:
			return "(" + strings.Join(partList, " OR ") + ")"
		case OpNot:
			return "NOT (" + strings.Join(partList, " AND ") + ")"
		}
	}

	column := dialect.QuoteIdentifier(condition.FieldName)
	appendArg := func(value any) string {
		*argList = append(*argList, value)
		return dialect.Placeholder(len(*argList))
	}

	switch *condition.Operator {
	case OpNil:
		return column + " IS NULL"
	case OpEq:
		return fmt.Sprintf("%s = %s", column, appendArg(condition.Value))
	case OpGt:
		return fmt.Sprintf("%s > %s", column, appendArg(condition.Value))
	case OpGte:
		return fmt.Sprintf("%s >= %s", column, appendArg(condition.Value))
	case OpLt:
		return fmt.Sprintf("%s < %s", column, appendArg(condition.Value))
	case OpLte:
		return fmt.Sprintf("%s <= %s", column, appendArg(condition.Value))
	case OpLike:
		return fmt.Sprintf("%s LIKE %s", column, appendArg(condition.Value))
	case OpIn:
		valueList, ok := condition.Value.([]any)
		if !ok || len(valueList) == 0 {
			return "1=0"
		}
		placeholderList := make([]string, 0, len(valueList))
		for _, value := range valueList {
			placeholderList = append(placeholderList, appendArg(value))
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholderList, ", "))
	}
	return "1=1"
}

// selectColumns lists every mapped column of the entity: basic fields plus
// the foreign-key columns of its to-one associations.
func selectColumns(meta *Meta) []string {
	columnList := make([]string, 0, len(meta.Fields)+len(meta.ToOneList))
	for _, field := range meta.Fields {
		columnList = append(columnList, field.DatabaseColumnName)
	}
	for _, assoc := range meta.ToOneList {
		columnList = append(columnList, assoc.ColumnName)
	}
	return columnList
}

// buildSelect renders a SELECT over all mapped columns of the entity with
// the given filtering, ordering, and pagination options.
func buildSelect(dialect Dialect, meta *Meta, where *Where) Statement {
	argList := []any{}
	condition := (*Condition)(nil)
	if where != nil {
		condition = where.Condition
	}
	whereClause := renderCondition(dialect, condition, &argList)

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		joinColumns(dialect, selectColumns(meta)),
		QualifyTable(dialect, meta.Database, meta.Table),
		whereClause)

	if where != nil && len(where.Sort) > 0 {
		orderPartList := []string{}
		for _, sortItem := range where.Sort {
			direction := "ASC"
			if sortItem.Order < 0 {
				direction = "DESC"
			}
			orderPartList = append(orderPartList, dialect.QuoteIdentifier(sortItem.FieldName)+" "+direction)
		}
		sql += " ORDER BY " + strings.Join(orderPartList, ", ")
	}
	if where != nil && (where.Limit > 0 || where.Offset > 0) {
		sql = dialect.Limit(sql, where.Limit, where.Offset)
	}
	return Statement{SQL: sql, Args: argList}
}

// buildCollectionRepoint renders an UPDATE that points the foreign-key
// column of the listed child rows at fkValue, or clears it when fkValue is
// nil.
func buildCollectionRepoint(dialect Dialect, target *Meta, fkColumn string, fkValue any, idList []any) Statement {
	argList := []any{}
	var setClause string
	if fkValue == nil {
		setClause = dialect.QuoteIdentifier(fkColumn) + " = NULL"
	} else {
		argList = append(argList, fkValue)
		setClause = fmt.Sprintf("%s = %s", dialect.QuoteIdentifier(fkColumn), dialect.Placeholder(1))
	}
	start := len(argList) + 1
	argList = append(argList, idList...)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)",
		QualifyTable(dialect, target.Database, target.Table),
		setClause,
		dialect.QuoteIdentifier(target.ID().DatabaseColumnName),
		PlaceholderList(dialect, start, len(idList)))
	return Statement{SQL: sql, Args: argList}
}

// buildSelectByColumn renders a SELECT over all mapped columns filtered by
// one column matching any of the given values, optionally ordered.
func buildSelectByColumn(dialect Dialect, meta *Meta, column string, valueList []any, orderColumn string) Statement {
	argList := []any{}
	var whereClause string
	if len(valueList) == 1 {
		argList = append(argList, valueList[0])
		whereClause = fmt.Sprintf("%s = %s", dialect.QuoteIdentifier(column), dialect.Placeholder(1))
	} else {
		argList = append(argList, valueList...)
		whereClause = fmt.Sprintf("%s IN (%s)", dialect.QuoteIdentifier(column), PlaceholderList(dialect, 1, len(valueList)))
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		joinColumns(dialect, selectColumns(meta)),
		QualifyTable(dialect, meta.Database, meta.Table),
		whereClause)
	if orderColumn != "" {
		sql += " ORDER BY " + dialect.QuoteIdentifier(orderColumn) + " ASC"
	}
	return Statement{SQL: sql, Args: argList}
}

// Package core implements the reactive persistence engine of nereid.
// This file contains helper functions for reflection, field mapping,
// condition folding, and common value transformations.
package core

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unsafe"
)

// offsetOf returns the memory offset of a struct field selected by the given selector function.
//
// Example:
//
//	type User struct {
//	    ID   int
//	    Name string
//	}
//
//	offset := offsetOf(func(u *User) *string { return &u.Name })
func offsetOf[T any, F any](selector func(*T) *F) uintptr {
	var zero T
	base := uintptr(unsafe.Pointer(&zero))
	ptr := selector(&zero)
	return uintptr(unsafe.Pointer(ptr)) - base
}

// structFieldForOffset resolves the struct field of T located at the given
// memory offset, returning its name and reflect index path.
func structFieldForOffset[T any](offset uintptr) (string, []int) {
	structType := reflect.TypeOf((*T)(nil)).Elem()
	for _, sf := range reflect.VisibleFields(structType) {
		if sf.Offset == offset {
			return sf.Name, sf.Index
		}
	}
	panic(fmt.Sprintf("core: no field of %s at offset %d", structType, offset))
}

// fieldNameFromSelectorFor resolves the Go struct field name from a selector function.
//
// It takes a function of the form func(*T) *F and uses reflection to map it
// back to the struct field name.
//
// Panics if the argument is not a function, or if the function does not return a field pointer.
func fieldNameFromSelectorFor[T any](selector any) string {
	if selector == nil {
		return ""
	}
	selectorValue := reflect.ValueOf(selector)
	if selectorValue.Kind() != reflect.Func {
		panic("selector must be a function")
	}

	var zero T
	typ := reflect.TypeOf(zero)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	arg := reflect.New(typ)

	out := selectorValue.Call([]reflect.Value{arg})
	if len(out) == 0 {
		panic("selector must return a pointer to a field")
	}
	ret := out[0]
	if ret.Kind() != reflect.Pointer {
		panic("selector must return a pointer to a field")
	}

	basePtr := arg.Pointer()
	fieldPtr := ret.Pointer()
	offset := uintptr(fieldPtr - basePtr)

	for _, sf := range reflect.VisibleFields(typ) {
		if sf.Offset == offset {
			return sf.Name
		}
	}
	return ""
}

// fieldValue reads the mapped field of an entity, unwrapping pointer fields
// (a nil pointer yields nil).
func fieldValue(entity any, field *Field) any {
	fv := reflect.ValueOf(entity).Elem().FieldByIndex(field.Index)
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil
		}
		return fv.Elem().Interface()
	}
	return fv.Interface()
}

// setFieldValue assigns a database value to the mapped field of an entity,
// applying the pointer and numeric conversions the drivers require.
func setFieldValue(entity any, field *Field, value any) error {
	fv := reflect.ValueOf(entity).Elem().FieldByIndex(field.Index)
	return assignValue(fv, value)
}

// assignValue sets a reflect value from a raw database value, converting
// between compatible representations (value/pointer, int64/int32, etc.).
func assignValue(field reflect.Value, value any) error {
	if !field.IsValid() || !field.CanSet() {
		return fmt.Errorf("core: field is not settable")
	}
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	rv := reflect.ValueOf(value)

	// Exactly compatible type
	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return nil
	}

	// Value into pointer field (e.g. time.Time into *time.Time)
	if field.Kind() == reflect.Pointer && rv.Type().AssignableTo(field.Type().Elem()) {
		ptr := reflect.New(field.Type().Elem())
		ptr.Elem().Set(rv)
		field.Set(ptr)
		return nil
	}

	// Pointer into value field (e.g. *time.Time into time.Time)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Type().Elem().AssignableTo(field.Type()) {
		field.Set(rv.Elem())
		return nil
	}

	// Convertible types (drivers report integers as int64, etc.)
	if rv.Type().ConvertibleTo(field.Type()) {
		field.Set(rv.Convert(field.Type()))
		return nil
	}
	if field.Kind() == reflect.Pointer && rv.Type().ConvertibleTo(field.Type().Elem()) {
		ptr := reflect.New(field.Type().Elem())
		ptr.Elem().Set(rv.Convert(field.Type().Elem()))
		field.Set(ptr)
		return nil
	}

	return fmt.Errorf("core: cannot assign %T to field of type %s", value, field.Type())
}

// normalizeKey converts a database-reported identifier value to the
// canonical representation used in entity keys, so that int32/int64 variants
// of the same identifier compare equal.
func normalizeKey(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case fmt.Stringer:
		return v.String()
	default:
		return value
	}
}

// isZeroValue reports whether the value is the zero value of its type.
func isZeroValue(value any) bool {
	if value == nil {
		return true
	}
	return reflect.ValueOf(value).IsZero()
}

// foldConditionsAnd combines a list of conditions with the AND operator,
// tolerating empty and single-element lists.
func foldConditionsAnd(conds ...*Condition) *Condition {
	filtered := conds[:0]
	for _, cond := range conds {
		if cond != nil {
			filtered = append(filtered, cond)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		acc := filtered[0]
		for i := 1; i < len(filtered); i++ {
			acc = acc.And(filtered[i])
		}
		return acc
	}
}

// setTimeField assigns a timestamp to a time.Time or *time.Time field.
func setTimeField(field reflect.Value, t time.Time) {
	if !field.IsValid() || !field.CanSet() {
		return
	}
	timeType := reflect.TypeOf(time.Time{})

	switch field.Kind() {
	case reflect.Struct:
		if field.Type() == timeType {
			field.Set(reflect.ValueOf(t))
		}
	case reflect.Pointer:
		if field.Type().Elem() == timeType {
			if field.IsNil() {
				ptr := reflect.New(timeType)
				ptr.Elem().Set(reflect.ValueOf(t))
				field.Set(ptr)
			} else {
				field.Elem().Set(reflect.ValueOf(t))
			}
		}
	}
}

// applyTimestamps stamps the createdAt/updatedAt fields of an entity.
func applyTimestamps(meta *Meta, entity any, now time.Time, creating bool) {
	value := reflect.ValueOf(entity).Elem()
	if creating && meta.createdAtField != nil {
		setTimeField(value.FieldByIndex(meta.createdAtField.Index), now)
	}
	if meta.updatedAtField != nil {
		setTimeField(value.FieldByIndex(meta.updatedAtField.Index), now)
	}
}

// valuesEqual compares two snapshot values structurally, normalizing
// numeric representations first.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeKey(a), normalizeKey(b))
}

// joinColumns quotes and joins column names for a SELECT list.
func joinColumns(dialect Dialect, columnList []string) string {
	partList := make([]string, 0, len(columnList))
	for _, column := range columnList {
		partList = append(partList, dialect.QuoteIdentifier(column))
	}
	return strings.Join(partList, ", ")
}

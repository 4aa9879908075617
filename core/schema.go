// Package core implements the reactive persistence engine of nereid.
// This file defines the schema system, which maps Go structs to database
// tables, describes columns, identifier generation, optimistic versioning,
// and associations, and supports schema building via reflection.
package core

import (
	"fmt"
	"reflect"
)

// GenerationStrategy selects how an entity identifier is produced.
type GenerationStrategy int

const (
	// GenerateAssigned expects the application to set the identifier before
	// persisting; a zero identifier is an error.
	GenerateAssigned GenerationStrategy = iota
	// GenerateIdentity lets the database assign the identifier during the
	// insert (identity/serial column).
	GenerateIdentity
	// GenerateUUID produces a random UUID without a database round trip.
	GenerateUUID
	// GenerateSequence fetches identifiers from a database sequence,
	// prefetching a block of values per round trip.
	GenerateSequence
	// GenerateTableHiLo allocates identifier blocks from a generator table,
	// for dialects without sequences.
	GenerateTableHiLo
)

// CascadeStyle is a bit set of operations propagated across an association.
type CascadeStyle uint8

const (
	// CascadePersist propagates Persist to associated entities.
	CascadePersist CascadeStyle = 1 << iota
	// CascadeMerge propagates Merge.
	CascadeMerge
	// CascadeRemove propagates Remove.
	CascadeRemove
	// CascadeRefresh propagates Refresh.
	CascadeRefresh
	// CascadeDetach propagates Detach.
	CascadeDetach
	// CascadeLock propagates Lock.
	CascadeLock

	// CascadeNone propagates nothing.
	CascadeNone CascadeStyle = 0
	// CascadeAll propagates every operation.
	CascadeAll CascadeStyle = CascadePersist | CascadeMerge | CascadeRemove |
		CascadeRefresh | CascadeDetach | CascadeLock
)

// Has reports whether the style set includes the given operation.
func (c CascadeStyle) Has(style CascadeStyle) bool { return c&style != 0 }

// Field represents a struct field mapped to a database column.
//
// It contains metadata such as the Go field name, database column name,
// type information, constraints (primary key, required), the identifier
// generation strategy, and special markers for version and timestamp
// fields.
type Field struct {
	StructFieldName    string       // Name of the field in the Go struct
	DatabaseColumnName string       // Name of the column in the database
	Type               reflect.Type // Go type of the field
	Index              []int        // Struct field index for reflect access
	IsPrimaryKey       bool         // Whether this field is the identifier
	IsRequired         bool         // Whether this field is required
	IsVersion          bool         // Whether this field is the optimistic-lock version
	DefaultValue       string       // SQL expression rendered when the value is nil at insert
	MemoryOffset       uintptr      // Memory offset within the struct

	// Identifier generation (meaningful only on the primary-key field)
	Strategy       GenerationStrategy
	SequenceName   string // Sequence or generator-table name
	AllocationSize int    // Identifiers prefetched per round trip

	// Special timestamp markers
	IsCreatedAt bool
	IsUpdatedAt bool
	IsDeletedAt bool
}

// FieldOption is a function used to configure a Field.
type FieldOption func(*Field)

// PrimaryKey marks the field as the entity identifier.
func PrimaryKey() FieldOption {
	return func(f *Field) { f.IsPrimaryKey = true }
}

// Required marks the field as required (non-nullable). Building an insert
// or update that would bind NULL to the column fails.
func Required() FieldOption {
	return func(f *Field) { f.IsRequired = true }
}

// Default sets the SQL expression rendered for the column when the field
// value is nil at insert, e.g. "'pending'" or "CURRENT_TIMESTAMP".
func Default(value string) FieldOption {
	return func(f *Field) { f.DefaultValue = value }
}

// Versioned marks the field as the optimistic-lock version column. The
// persister increments it on every update and appends it to the WHERE
// clause of updates and deletes.
func Versioned() FieldOption {
	return func(f *Field) { f.IsVersion = true }
}

// Generated sets the identifier generation strategy for the primary key.
func Generated(strategy GenerationStrategy) FieldOption {
	return func(f *Field) { f.Strategy = strategy }
}

// SequenceGenerated configures the primary key to draw values from the
// named database sequence, prefetching allocationSize values per round trip.
func SequenceGenerated(sequence string, allocationSize int) FieldOption {
	return func(f *Field) {
		f.Strategy = GenerateSequence
		f.SequenceName = sequence
		f.AllocationSize = allocationSize
	}
}

// TableGenerated configures the primary key to allocate blocks from a
// generator table, for dialects without sequences.
func TableGenerated(table string, allocationSize int) FieldOption {
	return func(f *Field) {
		f.Strategy = GenerateTableHiLo
		f.SequenceName = table
		f.AllocationSize = allocationSize
	}
}

// CreatedAt marks the field as the createdAt timestamp.
func CreatedAt() FieldOption {
	return func(f *Field) { f.IsCreatedAt = true }
}

// UpdatedAt marks the field as the updatedAt timestamp.
func UpdatedAt() FieldOption {
	return func(f *Field) { f.IsUpdatedAt = true }
}

// DeletedAt marks the field as the deletedAt timestamp (for soft deletes).
func DeletedAt() FieldOption {
	return func(f *Field) { f.IsDeletedAt = true }
}

// ToOne describes a to-one association: the owning table carries a foreign
// key referencing the target entity's identifier. The struct field holds a
// Ref of the target type.
type ToOne struct {
	FieldName  string       // Struct field holding the Ref
	ColumnName string       // Foreign-key column on the owning table
	Target     string       // Target entity name
	Cascade    CascadeStyle // Operations propagated to the target
	Eager      bool         // Fetch during assembly instead of lazily
	Required   bool         // Foreign key is non-nullable
	Index      []int        // Struct field index for reflect access
}

// ToMany describes a to-many association: the target (child) table carries
// a foreign key referencing the owner's identifier. The struct field holds
// a List of the target type. To-many associations are always lazy.
type ToMany struct {
	FieldName        string       // Struct field holding the List
	Target           string       // Target entity name
	ForeignKeyColumn string       // Column on the child table referencing the owner
	Cascade          CascadeStyle // Operations propagated to the children
	OrderColumn      string       // Optional child column used for ordering
	Index            []int        // Struct field index for reflect access
}

// Meta contains the type-erased entity descriptor consumed at runtime by
// persisters, loaders, and the session. It is immutable after factory boot
// and shared read-only across all sessions.
type Meta struct {
	EntityName     string
	Database       string
	Table          string
	Fields         []*Field // Basic columns, identifier and version included
	ToOneList      []*ToOne
	ToManyList     []*ToMany
	BatchSize      int // Multi-id load batch size
	PadBatch       bool
	Cacheable      bool // Whether query results over this entity may be cached
	structType     reflect.Type
	fieldsByOffset map[uintptr]*Field
	fieldsByColumn map[string]*Field
	idField        *Field
	versionField   *Field
	createdAtField *Field
	updatedAtField *Field
	deletedAtField *Field

	// Type-erased hook runners installed by Schema[T].
	runPreHook  func(hook PreHook, entity any) error
	runPostHook func(hook PostHook, entity any) error
}

// ID returns the identifier field descriptor.
func (m *Meta) ID() *Field { return m.idField }

// VersionField returns the optimistic-lock field, or nil when unversioned.
func (m *Meta) VersionField() *Field { return m.versionField }

// FieldByColumn returns the field mapped to the given column, or nil.
func (m *Meta) FieldByColumn(column string) *Field { return m.fieldsByColumn[column] }

// StructType returns the mapped Go struct type.
func (m *Meta) StructType() reflect.Type { return m.structType }

// NewInstance allocates a zero value of the mapped struct and returns a
// pointer to it.
func (m *Meta) NewInstance() any {
	return reflect.New(m.structType).Interface()
}

// ToOneByField returns the to-one association declared on the named struct
// field, or nil.
func (m *Meta) ToOneByField(fieldName string) *ToOne {
	for _, assoc := range m.ToOneList {
		if assoc.FieldName == fieldName {
			return assoc
		}
	}
	return nil
}

// ToManyByField returns the to-many association declared on the named
// struct field, or nil.
func (m *Meta) ToManyByField(fieldName string) *ToMany {
	for _, assoc := range m.ToManyList {
		if assoc.FieldName == fieldName {
			return assoc
		}
	}
	return nil
}

// SchemaMeta extends Meta with the typed hook registry for one entity type.
type SchemaMeta[T any] struct {
	Meta
	PreHookList  map[PreHook][]func(*T) error
	PostHookList map[PostHook][]func(*T) error
}

// entityMeta exposes the type-erased descriptor for factory registration.
func (s *SchemaMeta[T]) entityMeta() *Meta { return &s.Meta }

// RegisterPreHook registers a pre-operation hook for the schema.
func (s *SchemaMeta[T]) RegisterPreHook(hook PreHook, fn func(*T) error) {
	s.PreHookList[hook] = append(s.PreHookList[hook], fn)
}

// RegisterPostHook registers a post-operation hook for the schema.
func (s *SchemaMeta[T]) RegisterPostHook(hook PostHook, fn func(*T) error) {
	s.PostHookList[hook] = append(s.PostHookList[hook], fn)
}

// SchemaBuilder is used to construct a schema definition from a Go struct.
//
// It collects field metadata using reflection, skipping association fields
// (Ref and List values), and applies customization through SchemaOptions.
type SchemaBuilder[T any] struct {
	entityName     string
	database       string
	collection     string
	tagKey         string
	batchSize      int
	padBatch       bool
	cacheable      bool
	structType     reflect.Type
	fields         []*Field
	fieldsByOffset map[uintptr]*Field
}

// SchemaOption represents a function that customizes the schema builder.
type SchemaOption[T any] func(*SchemaBuilder[T])

// TagKey sets the struct tag key to use for database column mapping.
func TagKey[T any](key string) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.tagKey = key }
}

// Table sets the database table name for the schema.
func Table[T any](name string) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.collection = name }
}

// Database sets the database (schema) name for the schema.
func Database[T any](name string) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.database = name }
}

// EntityName overrides the logical entity name (defaults to the struct
// type's name).
func EntityName[T any](name string) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.entityName = name }
}

// BatchSize sets the multi-id load batch size for the entity.
func BatchSize[T any](size int) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.batchSize = size }
}

// PadBatches pads the final multi-id batch to the full batch size so the
// prepared statement shape is reused across batches.
func PadBatches[T any]() SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.padBatch = true }
}

// Cacheable allows query results over this entity to enter the factory's
// query cache.
func Cacheable[T any]() SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) { schemaBuilder.cacheable = true }
}

// OverrideField allows modifying the metadata of a specific field
// (e.g., making it required, primary key, versioned).
func OverrideField[T any, F any](selector func(*T) *F, opts ...FieldOption) SchemaOption[T] {
	return func(schemaBuilder *SchemaBuilder[T]) {
		offset := offsetOf(selector)
		if field, ok := schemaBuilder.fieldsByOffset[offset]; ok {
			for _, opt := range opts {
				opt(field)
			}
		} else if len(schemaBuilder.fields) > 0 {
			panic("core: OverrideField: field not found by selector")
		}
	}
}

// Schema builds a SchemaMeta[T] by reflecting on struct fields
// and applying the given SchemaOptions.
//
// Association fields (Ref and List values) are excluded from the column
// list; they are declared afterwards with BelongsTo and HasMany. The
// primary-key field defaults to a field named "ID" when none is marked
// explicitly.
func Schema[T any](options ...SchemaOption[T]) *SchemaMeta[T] {
	var zero T
	structType := reflect.TypeOf(zero)
	if structType.Kind() == reflect.Pointer {
		structType = structType.Elem()
	}

	builder := &SchemaBuilder[T]{
		structType:     structType,
		fieldsByOffset: make(map[uintptr]*Field),
		batchSize:      defaultBatchSize,
	}

	// Apply options before building fields (Table/Database/TagKey/etc.)
	for _, option := range options {
		option(builder)
	}

	for _, sf := range reflect.VisibleFields(structType) {
		if sf.Anonymous || isAssociationField(sf.Type) {
			continue
		}
		dbName := ""
		if builder.tagKey != "" {
			dbName = sf.Tag.Get(builder.tagKey)
		} else {
			dbName = sf.Tag.Get("db")
		}
		if dbName == "-" {
			continue
		}
		if dbName == "" {
			dbName = sf.Name
		}

		field := &Field{
			StructFieldName:    sf.Name,
			DatabaseColumnName: dbName,
			Type:               sf.Type,
			Index:              sf.Index,
			MemoryOffset:       sf.Offset,
		}
		builder.fields = append(builder.fields, field)
		builder.fieldsByOffset[sf.Offset] = field
	}

	// Re-apply options so that OverrideField can work after fields exist
	for _, option := range options {
		option(builder)
	}

	entityName := builder.entityName
	if entityName == "" {
		entityName = structType.Name()
	}

	schema := &SchemaMeta[T]{
		Meta: Meta{
			EntityName:     entityName,
			Database:       builder.database,
			Table:          builder.collection,
			Fields:         builder.fields,
			BatchSize:      builder.batchSize,
			PadBatch:       builder.padBatch,
			Cacheable:      builder.cacheable,
			structType:     structType,
			fieldsByOffset: builder.fieldsByOffset,
			fieldsByColumn: make(map[string]*Field, len(builder.fields)),
		},
		PreHookList:  make(map[PreHook][]func(*T) error),
		PostHookList: make(map[PostHook][]func(*T) error),
	}

	// Detect special fields once
	for _, f := range builder.fields {
		schema.fieldsByColumn[f.DatabaseColumnName] = f
		if f.IsPrimaryKey {
			schema.idField = f
		}
		if f.IsVersion {
			schema.versionField = f
		}
		if f.IsCreatedAt {
			schema.createdAtField = f
		}
		if f.IsUpdatedAt {
			schema.updatedAtField = f
		}
		if f.IsDeletedAt {
			schema.deletedAtField = f
		}
	}
	if schema.idField == nil {
		for _, f := range builder.fields {
			if f.StructFieldName == "ID" {
				f.IsPrimaryKey = true
				schema.idField = f
				break
			}
		}
	}

	schema.runPreHook = func(hook PreHook, entity any) error {
		typed, ok := entity.(*T)
		if !ok {
			return fmt.Errorf("core: hook for %s received %T", entityName, entity)
		}
		for _, fn := range schema.PreHookList[hook] {
			if err := fn(typed); err != nil {
				return err
			}
		}
		return nil
	}
	schema.runPostHook = func(hook PostHook, entity any) error {
		typed, ok := entity.(*T)
		if !ok {
			return fmt.Errorf("core: hook for %s received %T", entityName, entity)
		}
		for _, fn := range schema.PostHookList[hook] {
			if err := fn(typed); err != nil {
				return err
			}
		}
		return nil
	}

	return schema
}

// AssociationOption customizes a declared association.
type AssociationOption func(cascade *CascadeStyle, eager *bool, orderColumn *string, required *bool)

// Cascade sets the cascade style set of an association.
func Cascade(style CascadeStyle) AssociationOption {
	return func(cascade *CascadeStyle, _ *bool, _ *string, _ *bool) { *cascade = style }
}

// Eager marks a to-one association for fetching during result assembly
// instead of lazily.
func Eager() AssociationOption {
	return func(_ *CascadeStyle, eager *bool, _ *string, _ *bool) { *eager = true }
}

// OrderedBy sets the child column a to-many association is ordered by.
func OrderedBy(column string) AssociationOption {
	return func(_ *CascadeStyle, _ *bool, orderColumn *string, _ *bool) { *orderColumn = column }
}

// RequiredAssociation marks the foreign key of a to-one association as
// non-nullable, which forces parent-before-child insert ordering.
func RequiredAssociation() AssociationOption {
	return func(_ *CascadeStyle, _ *bool, _ *string, required *bool) { *required = true }
}

// BelongsTo declares a to-one association from L to F: the L table carries
// the given foreign-key column referencing F's identifier, and the selected
// Ref field holds the (possibly lazy) target.
//
// Example:
//
//	core.BelongsTo(bookSchema, func(b *Book) *core.Ref[Author] { return &b.Author },
//		authorSchema, "author_id", core.RequiredAssociation())
func BelongsTo[L any, F any](schema *SchemaMeta[L], selector func(*L) *Ref[F], target *SchemaMeta[F], column string, options ...AssociationOption) {
	fieldName, index := structFieldForOffset[L](offsetOf(selector))
	assoc := &ToOne{
		FieldName:  fieldName,
		ColumnName: column,
		Target:     target.EntityName,
		Index:      index,
	}
	for _, option := range options {
		option(&assoc.Cascade, &assoc.Eager, new(string), &assoc.Required)
	}
	schema.ToOneList = append(schema.ToOneList, assoc)
}

// HasMany declares a to-many association from L to F: the F (child) table
// carries the given foreign-key column referencing L's identifier, and the
// selected List field holds the lazily-fetched children.
//
// Example:
//
//	core.HasMany(authorSchema, func(a *Author) *core.List[Book] { return &a.Books },
//		bookSchema, "author_id", core.Cascade(core.CascadePersist|core.CascadeRemove))
func HasMany[L any, F any](schema *SchemaMeta[L], selector func(*L) *List[F], target *SchemaMeta[F], column string, options ...AssociationOption) {
	fieldName, index := structFieldForOffset[L](offsetOf(selector))
	assoc := &ToMany{
		FieldName:        fieldName,
		Target:           target.EntityName,
		ForeignKeyColumn: column,
		Index:            index,
	}
	for _, option := range options {
		option(&assoc.Cascade, new(bool), &assoc.OrderColumn, new(bool))
	}
	schema.ToManyList = append(schema.ToManyList, assoc)
}

const defaultBatchSize = 4

// isAssociationField reports whether the struct field type is a Ref or List
// placeholder rather than a mapped column.
func isAssociationField(t reflect.Type) bool {
	ptr := reflect.PointerTo(t)
	return ptr.Implements(refAccessorType) || ptr.Implements(listAccessorType)
}

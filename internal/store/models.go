package store

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Entity names a record collection in the backend.
type Entity string

const (
	EntitySquare  Entity = "Square"
	EntityDynasty Entity = "Dynasty"
)

func (e Entity) Valid() bool {
	return e == EntitySquare || e == EntityDynasty
}

// Fields are the optional attributes of a record. Square records carry Map
// (blob schema) or Coords and DynastyID (relational schema); Dynasty records
// carry Color and Name. A nil field is left untouched by Update.
type Fields struct {
	Map       *string `json:"map,omitempty"`
	Coords    *int    `json:"coords,omitempty"`
	DynastyID *string `json:"dynastyId,omitempty"`
	Color     *string `json:"color,omitempty"`
	Name      *string `json:"name,omitempty"`
}

// Merge returns f with every non-nil field of update applied.
func (f Fields) Merge(update Fields) Fields {
	if update.Map != nil {
		f.Map = update.Map
	}
	if update.Coords != nil {
		f.Coords = update.Coords
	}
	if update.DynastyID != nil {
		f.DynastyID = update.DynastyID
	}
	if update.Color != nil {
		f.Color = update.Color
	}
	if update.Name != nil {
		f.Name = update.Name
	}
	return f
}

type Record struct {
	ID string `json:"id"`
	Fields
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is one delivery of a live query: the full item list at that time.
type Snapshot struct {
	Items    []Record
	IsSynced bool
}

// Backend is the schema-agnostic remote store consumed by the gateway.
type Backend interface {
	List(ctx context.Context, entity Entity) ([]Record, error)
	Create(ctx context.Context, entity Entity, fields Fields) (Record, error)
	Update(ctx context.Context, entity Entity, id string, fields Fields) (Record, error)
	// Observe calls fn with the current items and again after every change
	// until ctx is cancelled. It returns nil on cancellation.
	Observe(ctx context.Context, entity Entity, fn func(Snapshot)) error
	Ping(ctx context.Context) error
	Close() error
}

// Error is one backend-reported failure.
type Error struct {
	Type    string `json:"errorType"`
	Message string `json:"message"`
}

// Errors is the non-empty error list a backend returns instead of data.
type Errors []Error

func (e Errors) Error() string {
	messages := make([]string, 0, len(e))
	for _, item := range e {
		messages = append(messages, item.Type+": "+item.Message)
	}
	return strings.Join(messages, "; ")
}

// Has reports whether the list contains an error of the given type.
func (e Errors) Has(errorType string) bool {
	for _, item := range e {
		if item.Type == errorType {
			return true
		}
	}
	return false
}

const (
	ErrTypeNotFound      = "NotFound"
	ErrTypeInvalidEntity = "InvalidEntity"
)

func notFound(entity Entity, id string) Errors {
	return Errors{{Type: ErrTypeNotFound, Message: string(entity) + " " + id + " not found"}}
}

func invalidEntity(entity Entity) Errors {
	return Errors{{Type: ErrTypeInvalidEntity, Message: "unknown entity " + string(entity)}}
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// String returns a pointer to v for use in Fields.
func String(v string) *string {
	return &v
}

// Int returns a pointer to v for use in Fields.
func Int(v int) *int {
	return &v
}

// Deref returns the pointed-to string or "".
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

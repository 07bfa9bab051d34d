package actions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/openfroyo/provision/pkg/engine"
)

// Record is the wire form of an action: a stable type tag and its fields.
type Record struct {
	Type   string          `json:"type"`
	Fields json.RawMessage `json:"fields"`
}

// Constructor returns a new zero value of a concrete action.
type Constructor func() Action

// Registry maps stable type tags to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
	tags  map[reflect.Type]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctors: make(map[string]Constructor),
		tags:  make(map[reflect.Type]string),
	}
}

// Default holds the built-in catalogue. It is populated in init and only read
// afterwards.
var Default = NewRegistry()

func init() {
	Default.MustRegister("noop", func() Action { return &Noop{} })
	Default.MustRegister("fail", func() Action { return &Fail{} })
	Default.MustRegister("copy", func() Action { return &Copy{} })
	Default.MustRegister("file", func() Action { return &File{} })
	Default.MustRegister("command", func() Action { return &Command{} })
	Default.MustRegister("package", func() Action { return &Package{} })
	Default.MustRegister("service", func() Action { return &Service{} })
}

// Register adds a constructor under tag.
func (r *Registry) Register(tag string, ctor Constructor) error {
	if tag == "" {
		return fmt.Errorf("empty action tag")
	}
	typ := reflect.TypeOf(ctor())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[tag]; exists {
		return fmt.Errorf("action tag %q already registered", tag)
	}
	if other, exists := r.tags[typ]; exists {
		return fmt.Errorf("action type %s already registered as %q", typ, other)
	}
	r.ctors[tag] = ctor
	r.tags[typ] = tag
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(tag string, ctor Constructor) {
	if err := r.Register(tag, ctor); err != nil {
		panic(err)
	}
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.ctors))
	for tag := range r.ctors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// TagOf returns the tag a concrete action is registered under.
func (r *Registry) TagOf(a Action) (string, error) {
	r.mu.RLock()
	tag, ok := r.tags[reflect.TypeOf(a)]
	r.mu.RUnlock()
	if !ok {
		return "", engine.NewProtocolError(fmt.Sprintf("action type %T is not registered", a), nil).
			WithCode(engine.ErrCodeUnresolvedType)
	}
	return tag, nil
}

// Resolve returns the constructor for tag.
func (r *Registry) Resolve(tag string) (Constructor, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, engine.NewProtocolError(fmt.Sprintf("unresolved action type %q", tag), nil).
			WithCode(engine.ErrCodeUnresolvedType)
	}
	return ctor, nil
}

// Encode converts an action to its wire record.
func (r *Registry) Encode(a Action) (Record, error) {
	tag, err := r.TagOf(a)
	if err != nil {
		return Record{}, err
	}
	fields, err := json.Marshal(a)
	if err != nil {
		return Record{}, engine.NewProtocolError("failed to encode action fields", err).
			WithCode(engine.ErrCodeMalformedRecord).
			WithAction(a.Summary())
	}
	return Record{Type: tag, Fields: fields}, nil
}

// Decode reconstructs and prepares an action from its wire record.
func (r *Registry) Decode(rec Record) (Action, error) {
	ctor, err := r.Resolve(rec.Type)
	if err != nil {
		return nil, err
	}
	a := ctor()
	if len(rec.Fields) > 0 {
		if err := json.Unmarshal(rec.Fields, a); err != nil {
			return nil, engine.NewProtocolError(fmt.Sprintf("malformed %q record", rec.Type), err).
				WithCode(engine.ErrCodeMalformedRecord)
		}
	}
	if err := Prepare(a); err != nil {
		return nil, err
	}
	return a, nil
}

// EncodeAll encodes a batch, preserving order.
func (r *Registry) EncodeAll(list []Action) ([]Record, error) {
	records := make([]Record, 0, len(list))
	for _, a := range list {
		rec, err := r.Encode(a)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeAll decodes a batch. Every record is resolved before any is returned,
// so one unknown tag fails the whole batch.
func (r *Registry) DecodeAll(records []Record) ([]Action, error) {
	list := make([]Action, 0, len(records))
	for i, rec := range records {
		a, err := r.Decode(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		list = append(list, a)
	}
	return list, nil
}

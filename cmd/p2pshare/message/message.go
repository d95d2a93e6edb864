// Package message defines the envelope exchanged between peers and the
// tracker: a title naming the request or response kind plus a mapping of
// named fields. Field values are string, []string or Set.
package message

import (
	"slices"

	"github.com/google/uuid"
)

// Titles understood by the tracker (UDP) and by sharing peers (TCP).
const (
	Join           = "JOIN"
	JoinOK         = "JOIN_OK"
	Search         = "SEARCH"
	SearchOK       = "SEARCH_OK"
	Update         = "UPDATE"
	UpdateOK       = "UPDATE_OK"
	Leave          = "LEAVE"
	LeaveOK        = "LEAVE_OK"
	AliveOK        = "ALIVE_OK"
	Download       = "DOWNLOAD"
	DownloadDenied = "DOWNLOAD_NEGADO"
	DownloadOK     = "DOWNLOAD_ACEITO"
)

// Field names.
const (
	FieldFiles         = "arquivos"
	FieldAddress       = "endereco"
	FieldSearchedFile  = "arquivo_requistado"
	FieldPeers         = "lista_peers"
	FieldFile          = "arquivo"
	FieldRequestedFile = "arquivo_solicitado"
	FieldSize          = "tamanho"
	FieldID            = "id"
)

type Message struct {
	Title  string
	Fields map[string]any
}

func New(title string) Message {
	return Message{Title: title, Fields: make(map[string]any)}
}

// Add sets a field. value must be a string, []string or Set.
func (m *Message) Add(field string, value any) {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[field] = value
}

func (m Message) String(field string) (string, bool) {
	s, ok := m.Fields[field].(string)
	return s, ok
}

// ID returns the request id carried by the message, if any.
func (m Message) ID() string {
	id, _ := m.String(FieldID)
	return id
}

// Clone returns a copy whose field map and slice values can be mutated
// without affecting m.
func (m Message) Clone() Message {
	c := Message{Title: m.Title, Fields: make(map[string]any, len(m.Fields))}
	for k, v := range m.Fields {
		switch v := v.(type) {
		case []string:
			c.Fields[k] = slices.Clone(v)
		case Set:
			c.Fields[k] = v.Clone()
		default:
			c.Fields[k] = v
		}
	}
	return c
}

// WithID returns a clone of m stamped with a fresh request id, unless m
// already carries one.
func (m Message) WithID() Message {
	c := m.Clone()
	if c.ID() == "" {
		c.Fields[FieldID] = uuid.NewString()
	}
	return c
}

// ReplyTo builds a response titled title that echoes req's request id.
func ReplyTo(req Message, title string) Message {
	reply := New(title)
	if id := req.ID(); id != "" {
		reply.Add(FieldID, id)
	}
	return reply
}

// Set is an unordered collection of unique strings.
type Set map[string]struct{}

func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set) Add(item string) { s[item] = struct{}{} }

func (s Set) Remove(item string) { delete(s, item) }

func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

func (s Set) Clone() Set {
	c := make(Set, len(s))
	for item := range s {
		c[item] = struct{}{}
	}
	return c
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	items := make([]string, 0, len(s))
	for item := range s {
		items = append(items, item)
	}
	slices.Sort(items)
	return items
}

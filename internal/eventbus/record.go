package eventbus

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/pkg/schema"
)

// Event is an inbound event before it becomes a durable record.
type Event struct {
	ID       string           `json:"id,omitempty"`
	Name     string           `json:"event,omitempty"`
	Module   string           `json:"module,omitempty"`
	Domain   string           `json:"domain,omitempty"`
	Version  int              `json:"version,omitempty"`
	Detail   any              `json:"detail,omitempty"`
	TS       int64            `json:"ts,omitempty"`
	Producer *schema.Producer `json:"producer,omitempty"`
	Actor    *schema.Actor    `json:"actor,omitempty"`
}

// Header names that supply actor fields.
var (
	userHeaders  = []string{"x-user", "x-username", "x-actor"}
	roleHeaders  = []string{"x-user-role", "x-role"}
	groupHeaders = []string{"x-user-group", "x-group"}
)

// fieldEvent matches technical events such as "crm:field:email:updated".
var fieldEvent = regexp.MustCompile(`^([^:]+):field:([^:]+):([^:]+)$`)

func firstHeader(h map[string]string, names []string) string {
	for _, n := range names {
		if v := h[n]; v != "" {
			return v
		}
	}
	return ""
}

func actorFromHeaders(h map[string]string) *schema.Actor {
	a := schema.Actor{
		User:  firstHeader(h, userHeaders),
		Role:  firstHeader(h, roleHeaders),
		Group: firstHeader(h, groupHeaders),
	}
	if a == (schema.Actor{}) {
		return nil
	}
	return &a
}

// newRecord derives the canonical envelope for evt.
func newRecord(evt Event, headers map[string]string, producer schema.Producer, now time.Time) *schema.EventRecord {
	id := evt.ID
	if id == "" {
		id = uuid.NewString()
	}
	module := evt.Domain
	if module == "" {
		module = evt.Module
	}
	if module == "" && evt.Name != "" {
		module, _, _ = strings.Cut(evt.Name, ":")
	}
	if module == "" {
		module = "unknown"
	}
	name := evt.Name
	if name == "" {
		name = module + ":event"
	}
	domain := evt.Domain
	if domain == "" {
		domain = module
	}
	version := evt.Version
	if version == 0 {
		version = 1
	}
	ts := evt.TS
	if ts == 0 {
		ts = now.UnixMilli()
	}
	detail := evt.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	if evt.Producer != nil {
		producer = *evt.Producer
	}
	actor := evt.Actor
	if actor == nil {
		actor = actorFromHeaders(headers)
	}

	rec := &schema.EventRecord{
		ID:       id,
		Event:    name,
		Module:   module,
		Domain:   domain,
		Version:  version,
		Detail:   detail,
		TS:       ts,
		Producer: &producer,
		Actor:    actor,
		Status:   schema.EventPending,
		Level:    schema.EventLevelDomain,
	}
	if m := fieldEvent.FindStringSubmatch(name); m != nil {
		rec.Level = schema.EventLevelTechnical
		rec.Field = m[2]
		rec.CanonicalEvent = m[1] + ":" + m[2] + ":" + m[3]
	}
	return rec
}

// Filter selects event records. Event matches the raw or canonical name,
// exactly or as a substring.
type Filter struct {
	Module string `json:"module,omitempty"`
	Event  string `json:"event,omitempty"`
}

func (f Filter) matches(rec *schema.EventRecord) bool {
	if f.Module != "" && rec.Module != f.Module {
		return false
	}
	if f.Event == "" {
		return true
	}
	return strings.Contains(rec.Event, f.Event) ||
		(rec.CanonicalEvent != "" && strings.Contains(rec.CanonicalEvent, f.Event))
}

// ModuleStats counts events seen per module.
type ModuleStats struct {
	Events map[string]int `json:"events"`
	Total  int            `json:"total"`
}

func (s *ModuleStats) clone() ModuleStats {
	out := ModuleStats{Events: make(map[string]int, len(s.Events)), Total: s.Total}
	for k, v := range s.Events {
		out.Events[k] = v
	}
	return out
}

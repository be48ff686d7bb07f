// Package directory produces the monitor list a dashboard user sees.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"monitorhub/internal/models"
)

// Lister is the query collaborator; it must return monitors ordered by
// weight descending then name ascending.
type Lister interface {
	ListMonitors(ctx context.Context, userID string) ([]models.Monitor, error)
}

// QueryObserver is notified of every query outcome.
type QueryObserver interface {
	ObserveListQuery(err error)
}

type Query struct {
	lister   Lister
	observer QueryObserver
}

func NewQuery(lister Lister, observer QueryObserver) *Query {
	return &Query{lister: lister, observer: observer}
}

// MonitorJSONList returns the serialized monitors of userID keyed by id.
// Query errors are returned unchanged.
func (q *Query) MonitorJSONList(ctx context.Context, userID string) (MonitorList, error) {
	monitors, err := q.lister.ListMonitors(ctx, userID)
	if q.observer != nil {
		q.observer.ObserveListQuery(err)
	}
	if err != nil {
		return MonitorList{}, err
	}

	list := MonitorList{
		order: make([]string, 0, len(monitors)),
		byID:  make(map[string]json.RawMessage, len(monitors)),
	}
	for _, monitor := range monitors {
		payload, err := json.Marshal(monitor)
		if err != nil {
			return MonitorList{}, fmt.Errorf("serialize monitor %s: %w", monitor.ID, err)
		}
		if _, seen := list.byID[monitor.ID]; !seen {
			list.order = append(list.order, monitor.ID)
		}
		list.byID[monitor.ID] = payload
	}
	return list, nil
}

// MonitorList maps monitor id to its serialized form. It remembers the query
// order and encodes its keys in that order.
type MonitorList struct {
	order []string
	byID  map[string]json.RawMessage
}

func (l MonitorList) Len() int {
	return len(l.order)
}

// IDs returns the monitor ids in query order.
func (l MonitorList) IDs() []string {
	return append([]string(nil), l.order...)
}

func (l MonitorList) Get(id string) (json.RawMessage, bool) {
	payload, ok := l.byID[id]
	return payload, ok
}

// MarshalJSON encodes the list as a JSON object. An empty list encodes as {}.
func (l MonitorList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range l.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(l.byID[id])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

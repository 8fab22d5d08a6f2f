package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
)

const defaultStream = "auth-audit"

// EventStoreRecorder appends entries to a KurrentDB/EventStoreDB stream.
type EventStoreRecorder struct {
	client *esdb.Client
	stream string
}

// NewEventStoreRecorder connects to the event store at connString.
func NewEventStoreRecorder(connString string) (*EventStoreRecorder, error) {
	settings, err := esdb.ParseConnectionString(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create event store client: %w", err)
	}

	return &EventStoreRecorder{client: client, stream: defaultStream}, nil
}

// Record appends one entry to the audit stream.
func (r *EventStoreRecorder) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	event := esdb.EventData{
		ContentType: esdb.ContentTypeJson,
		EventType:   string(e.Type),
		Data:        data,
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = r.client.AppendToStream(ctx, r.stream, esdb.AppendToStreamOptions{}, event)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// Close closes the underlying client.
func (r *EventStoreRecorder) Close() error {
	return r.client.Close()
}

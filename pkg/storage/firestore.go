package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

// docIDFormat sorts lexicographically in time order, unlike RFC3339Nano which
// trims trailing zeros.
const docIDFormat = "2006-01-02T15:04:05.000000000Z"

func docID(t time.Time) string {
	return t.UTC().Format(docIDFormat)
}

// FirestoreProvider implements Database using Google Cloud Firestore. All
// documents live under installations/<installationID>.
type FirestoreProvider struct {
	client         *firestore.Client
	projectID      string
	database       string
	installationID string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	installationID := lflag.String("installation-id", "default", "Identifies this installation's documents in the database")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.installationID = *installationID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.installationID == "" {
		return errors.New("installation-id cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("installations").Doc(f.installationID).Collection(name)
}

// decodeJSON unmarshals the document's "json" field into v.
func decodeJSON(ctx context.Context, doc *firestore.DocumentSnapshot, kind string, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("%s document %s 'json' field is not string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return nil
}

// queryRange returns every document with an ID in [startID, endID), decoded
// in ID order.
func queryRange[T any](ctx context.Context, coll *firestore.CollectionRef, kind, startID, endID string) ([]T, error) {
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startID)).
		Where(firestore.DocumentID, "<", coll.Doc(endID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating %s: %w", kind, err)
		}
		var v T
		if err := decodeJSON(ctx, doc, kind, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetSettings retrieves the settings from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, ErrNotFound
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := decodeJSON(ctx, doc, "settings", &s); err != nil {
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the settings to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = f.collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// InsertPlan stores a plan keyed by its generation time.
func (f *FirestoreProvider) InsertPlan(ctx context.Context, plan *types.Plan) error {
	jsonBytes, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	_, err = f.collection("plans").Doc(docID(plan.GeneratedAt)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": plan.GeneratedAt,
		"planID":    plan.ID,
		"degraded":  plan.Degraded,
	})
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

// GetLatestPlan returns the most recently generated plan.
func (f *FirestoreProvider) GetLatestPlan(ctx context.Context) (*types.Plan, error) {
	iter := f.collection("plans").
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest plan doc: %w", err)
	}
	var p types.Plan
	if err := decodeJSON(ctx, doc, "plan", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertTransition adds a state machine transition to "transitions".
// The document ID is the timestamp for efficient range queries.
func (f *FirestoreProvider) InsertTransition(ctx context.Context, t types.Transition) error {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	_, err = f.collection("transitions").Doc(docID(t.Timestamp)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": t.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// GetTransitions retrieves transitions within [start, end).
func (f *FirestoreProvider) GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error) {
	return queryRange[types.Transition](ctx, f.collection("transitions"), "transition", docID(start), docID(end))
}

// UpsertEnergyHistory adds or updates an energy history record in the "energy_history" collection.
// The document ID is the RFC3339 timestamp of TSHourStart for consistent formatting.
func (f *FirestoreProvider) UpsertEnergyHistory(ctx context.Context, stats types.EnergyStats) error {
	if stats.TSHourStart.IsZero() {
		return errMissingHourStart
	}
	jsonBytes, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal energy stats: %w", err)
	}
	_, err = f.collection("energy_history").Doc(stats.TSHourStart.UTC().Format(time.RFC3339)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": stats.TSHourStart,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert energy history: %w", err)
	}
	return nil
}

// GetEnergyHistory retrieves energy history records within the specified time range.
func (f *FirestoreProvider) GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error) {
	startDocID := start.Truncate(time.Hour).UTC().Format(time.RFC3339)
	endDocID := end.Truncate(time.Hour).UTC().Format(time.RFC3339)
	return queryRange[types.EnergyStats](ctx, f.collection("energy_history"), "energy stats", startDocID, endDocID)
}
